package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/model"
)

// Executor runs an already created run.
type Executor interface {
	Execute(ctx context.Context, runID string, req model.RunRequest) (*model.RunResult, error)
}

// Permanent reports whether err can never succeed on retry.
type Permanent func(err error) bool

// Worker consumes reconcile jobs.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	exec      Executor
	permanent Permanent
	log       *zap.Logger
}

// NewWorker builds a worker for the configured queue. Errors matching
// permanent are not retried.
func NewWorker(cfg config.QueueConfig, exec Executor, permanent Permanent) (*Worker, error) {
	opt, err := redisClientOpt(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	log := zap.L().With(zap.String("component", "jobs"))
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName(cfg): 1},
		Logger:      log.Sugar(),
	})

	w := newWorker(exec, permanent, log)
	w.server = server
	return w, nil
}

func newWorker(exec Executor, permanent Permanent, log *zap.Logger) *Worker {
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	w := &Worker{
		mux:       asynq.NewServeMux(),
		exec:      exec,
		permanent: permanent,
		log:       log,
	}
	w.mux.HandleFunc(TaskReconcileRun, w.handleReconcile)
	return w
}

// Run processes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.server == nil {
		return nil
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		return eris.Wrap(err, "jobs: worker stopped")
	}
	return nil
}

func (w *Worker) handleReconcile(ctx context.Context, task *asynq.Task) error {
	p, err := ParseReconcilePayload(task)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	log := w.log.With(zap.String("run_id", p.RunID))
	log.Info("jobs: reconcile started", zap.String("campaign_type", string(p.Request.Cohort)))

	res, err := w.exec.Execute(ctx, p.RunID, p.Request)
	if err != nil {
		log.Error("jobs: reconcile failed", zap.Error(err))
		if w.permanent(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	log.Info("jobs: reconcile complete",
		zap.Int("campaigns", res.Run.CampaignsCount),
		zap.Int("leads", res.Run.LeadsCount),
	)
	return nil
}
