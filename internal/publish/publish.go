// Package publish emits run lifecycle events to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/model"
)

// RunEvent is the message published when a run finishes.
type RunEvent struct {
	RunID          string          `json:"run_id"`
	Cohort         model.Cohort    `json:"campaign_type"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	Status         model.RunStatus `json:"status"`
	LeadsCount     int             `json:"leads_count"`
	CampaignsCount int             `json:"campaigns_count"`
	MatchedCount   int             `json:"matched_count"`
	Error          string          `json:"error,omitempty"`
	ExportPath     string          `json:"export_path,omitempty"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// EventFromRun builds the event for a finished run.
func EventFromRun(run model.Run, exportPath string) RunEvent {
	return RunEvent{
		RunID:          run.ID,
		Cohort:         run.Cohort,
		StartDate:      run.StartDate,
		EndDate:        run.EndDate,
		Status:         run.Status,
		LeadsCount:     run.LeadsCount,
		CampaignsCount: run.CampaignsCount,
		MatchedCount:   run.MatchedCount,
		Error:          run.Error,
		ExportPath:     exportPath,
		FinishedAt:     run.UpdatedAt,
	}
}

// Publisher sends run events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer a KafkaPublisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON run events keyed by run id.
type KafkaPublisher struct {
	w   MessageWriter
	log *zap.Logger
}

// New returns a Kafka publisher, or a no-op one when no brokers are set.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return Nop{}
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w, log: zap.L()}
}

// Publish sends ev.
func (p *KafkaPublisher) Publish(ctx context.Context, ev RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "publish: marshal event")
	}

	msg := kafka.Message{
		Key:   []byte(ev.RunID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
			{Key: "campaign_type", Value: []byte(ev.Cohort)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "publish: write run %s", ev.RunID)
	}

	p.log.Debug("publish: run event sent", zap.String("run_id", ev.RunID), zap.String("status", string(ev.Status)))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, RunEvent) error { return nil }
func (Nop) Close() error                            { return nil }
