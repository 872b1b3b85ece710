// Package jobs runs reconciliations in the background on an asynq queue
// backed by Redis. The task id of a job is the id of the run it executes.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/model"
)

const (
	// DefaultQueue is used when no queue name is configured.
	DefaultQueue = "reconcile"

	taskTimeout   = 30 * time.Minute
	taskRetention = 24 * time.Hour
	taskMaxRetry  = 2
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = eris.New("jobs: job not found")
	// ErrDuplicateJob is returned when a job for the run is already queued.
	ErrDuplicateJob = eris.New("jobs: job already enqueued")
)

// JobInfo is the queue-side view of a job.
type JobInfo struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	Queue         string     `json:"queue"`
	Retried       int        `json:"retried"`
	MaxRetry      int        `json:"max_retry"`
	LastError     string     `json:"last_error,omitempty"`
	NextProcessAt *time.Time `json:"next_process_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Client enqueues reconcile jobs and reports their state.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewClient connects to the configured Redis.
func NewClient(cfg config.QueueConfig) (*Client, error) {
	opt, err := redisClientOpt(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queueName(cfg),
	}, nil
}

// Close releases the Redis connections.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Enqueue schedules runID for execution.
func (c *Client) Enqueue(ctx context.Context, runID string, req model.RunRequest) (*JobInfo, error) {
	task, err := NewReconcileTask(ReconcilePayload{RunID: runID, Request: req})
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.TaskID(runID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(taskTimeout),
		asynq.Retention(taskRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, eris.Wrapf(ErrDuplicateJob, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "jobs: enqueue run %s", runID)
	}
	return toJobInfo(info), nil
}

// Status returns the current state of job id.
func (c *Client) Status(_ context.Context, id string) (*JobInfo, error) {
	info, err := c.inspector.GetTaskInfo(c.queue, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, eris.Wrapf(ErrJobNotFound, "job %s", id)
		}
		return nil, eris.Wrapf(err, "jobs: inspect %s", id)
	}
	return toJobInfo(info), nil
}

func toJobInfo(info *asynq.TaskInfo) *JobInfo {
	j := &JobInfo{
		ID:        info.ID,
		State:     info.State.String(),
		Queue:     info.Queue,
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if !info.NextProcessAt.IsZero() {
		t := info.NextProcessAt.UTC()
		j.NextProcessAt = &t
	}
	if !info.CompletedAt.IsZero() {
		t := info.CompletedAt.UTC()
		j.CompletedAt = &t
	}
	return j
}

func queueName(cfg config.QueueConfig) string {
	if cfg.Name == "" {
		return DefaultQueue
	}
	return cfg.Name
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	if redisURL == "" {
		return asynq.RedisClientOpt{}, eris.New("jobs: redis url not configured")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, eris.Wrap(err, "jobs: parse redis url")
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}
