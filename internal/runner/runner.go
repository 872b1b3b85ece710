// Package runner executes reconciliation runs end to end: snapshot
// collection, funnel aggregation, metrics, persistence, export and event
// publishing.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ecademy/leadfunnel/internal/collect"
	"github.com/ecademy/leadfunnel/internal/contact"
	"github.com/ecademy/leadfunnel/internal/funnel"
	"github.com/ecademy/leadfunnel/internal/metric"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/monitoring"
	"github.com/ecademy/leadfunnel/internal/publish"
	"github.com/ecademy/leadfunnel/internal/runlog"
	"github.com/ecademy/leadfunnel/internal/store"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

const dateLayout = "2006-01-02"

var (
	// ErrUnknownCohort is returned for requests naming no known cohort.
	ErrUnknownCohort = eris.New("runner: unknown cohort")
	// ErrInvalidPeriod is returned for malformed or inverted date ranges.
	ErrInvalidPeriod = eris.New("runner: invalid period")
)

// IsPermanent reports whether err stems from the request itself, so a retry
// cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownCohort) || errors.Is(err, ErrInvalidPeriod)
}

// Validate normalizes the cohort of req and checks its period.
func Validate(req model.RunRequest) (model.RunRequest, error) {
	c, err := model.ParseCohort(string(req.Cohort))
	if err != nil {
		return req, eris.Wrapf(ErrUnknownCohort, "%q", req.Cohort)
	}
	req.Cohort = c

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return req, eris.Wrapf(ErrInvalidPeriod, "start_date %q", req.StartDate)
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		return req, eris.Wrapf(ErrInvalidPeriod, "end_date %q", req.EndDate)
	}
	if end.Before(start) {
		return req, eris.Wrapf(ErrInvalidPeriod, "end_date %s before start_date %s", req.EndDate, req.StartDate)
	}
	return req, nil
}

// Collector fetches the snapshot of a run.
type Collector interface {
	Collect(ctx context.Context, req model.RunRequest) (*collect.Snapshot, error)
}

// Exporter writes a finished run somewhere and returns its location.
type Exporter interface {
	Write(res *model.RunResult, set taxonomy.Set) (string, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithExporter writes a workbook for every successful run.
func WithExporter(e Exporter) Option {
	return func(r *Runner) { r.exporter = e }
}

// WithPublisher publishes an event for every finished run.
func WithPublisher(p publish.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithMetrics records run metrics on m.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner owns the run lifecycle.
type Runner struct {
	store     store.Store
	collector Collector
	tax       taxonomy.Set
	ex        *contact.Extractor

	exporter  Exporter
	publisher publish.Publisher
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
}

// New returns a Runner.
func New(st store.Store, c Collector, tax taxonomy.Set, ex *contact.Extractor, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		collector: c,
		tax:       tax,
		ex:        ex,
		publisher: publish.Nop{},
		log:       zap.L(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = monitoring.NewMetrics()
	}
	return r
}

// Submit validates req and records a queued run for it.
func (r *Runner) Submit(ctx context.Context, req model.RunRequest) (*model.Run, error) {
	req, err := Validate(req)
	if err != nil {
		return nil, err
	}
	run, err := r.store.CreateRun(ctx, r.newID(), req)
	if err != nil {
		return nil, eris.Wrap(err, "runner: create run")
	}
	return run, nil
}

// Run submits req and executes it synchronously.
func (r *Runner) Run(ctx context.Context, req model.RunRequest) (*model.RunResult, error) {
	run, err := r.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, run.ID, model.RunRequest{StartDate: run.StartDate, EndDate: run.EndDate, Cohort: run.Cohort})
}

// Execute runs a previously submitted run. The run ends in success or
// error state either way; the error is also returned.
func (r *Runner) Execute(ctx context.Context, runID string, req model.RunRequest) (*model.RunResult, error) {
	started := r.now()
	log, rec := runlog.Capture(r.log.With(zap.String("run_id", runID)), zapcore.WarnLevel)

	if err := r.store.UpdateRunStatus(ctx, runID, model.RunStatusRunning); err != nil {
		return nil, eris.Wrapf(err, "runner: start run %s", runID)
	}
	log.Info("runner: run started",
		zap.String("campaign_type", string(req.Cohort)),
		zap.String("start_date", req.StartDate),
		zap.String("end_date", req.EndDate),
	)

	res, runErr := r.reconcile(ctx, log, runID, req)

	// Bookkeeping outlives a cancelled caller.
	bctx := context.WithoutCancel(ctx)
	if runErr != nil {
		log.Error("runner: run failed", zap.Error(runErr))
		if err := r.store.FailRun(bctx, runID, runErr); err != nil {
			log.Error("runner: record failure", zap.Error(err))
		}
		r.finish(bctx, log, rec, runID, "", started)
		return nil, runErr
	}

	if err := r.store.CompleteRun(bctx, runID, res); err != nil {
		return nil, eris.Wrapf(err, "runner: complete run %s", runID)
	}
	if err := r.store.SaveCampaigns(bctx, runID, store.Summarize(res.Campaigns)); err != nil {
		log.Warn("runner: save campaign summaries", zap.Error(err))
	}
	path := r.export(log, res)

	log.Info("runner: run complete",
		zap.Int("campaigns", res.Run.CampaignsCount),
		zap.Int("leads", res.Run.LeadsCount),
		zap.Int("matched", res.Run.MatchedCount),
		zap.Int64("duration_ms", r.now().Sub(started).Milliseconds()),
	)
	r.finish(bctx, log, rec, runID, path, started)

	if run, err := r.store.GetRun(bctx, runID); err == nil {
		res.Run = *run
	}
	return res, nil
}

func (r *Runner) reconcile(ctx context.Context, log *zap.Logger, runID string, req model.RunRequest) (*model.RunResult, error) {
	req, err := Validate(req)
	if err != nil {
		return nil, err
	}
	snap, err := timed(r.now, log, "collect", func() (*collect.Snapshot, error) {
		return r.collector.Collect(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	for _, src := range snap.Partial {
		r.metrics.Partial(src)
	}

	resolver, f, err := r.resolver(req.Cohort, snap, log)
	if err != nil {
		return nil, err
	}

	engine := funnel.NewEngine(r.ex,
		funnel.WithLogger(log),
		funnel.WithViolationHook(func(_ string, v funnel.Violation) {
			r.metrics.Violation(string(v.Kind))
		}),
	)
	funnels, err := timed(r.now, log, "reconcile", func() (map[string]model.CampaignFunnel, error) {
		return engine.Reconcile(snap.Campaigns, resolver)
	})
	if err != nil {
		return nil, err
	}

	res := &model.RunResult{
		Run: model.Run{
			ID:             runID,
			Cohort:         req.Cohort,
			StartDate:      req.StartDate,
			EndDate:        req.EndDate,
			Status:         model.RunStatusSuccess,
			CampaignsCount: len(funnels),
		},
		Campaigns: make(map[string]model.CampaignReport, len(funnels)),
	}
	for id, cf := range funnels {
		ins := snap.Campaigns[id].Insights
		res.Campaigns[id] = model.CampaignReport{
			CampaignFunnel: cf,
			Insights:       ins,
			Metrics:        metric.Compute(f, cf, ins.Spend),
		}
		res.Run.LeadsCount += cf.LeadsCount
		res.Run.MatchedCount += cf.Matched
	}
	return res, nil
}

func (r *Runner) resolver(c model.Cohort, snap *collect.Snapshot, log *zap.Logger) (funnel.Resolver, *taxonomy.Funnel, error) {
	switch c {
	case model.CohortStudents:
		return funnel.NewStudentResolver(r.tax.Student, snap.Students, log), r.tax.Student.Funnel(), nil
	case model.CohortTeachers:
		return funnel.NewTeacherResolver(r.tax.Teacher, snap.Teachers, snap.Events, r.ex, log), r.tax.Teacher.Funnel(), nil
	default:
		return nil, nil, eris.Wrapf(ErrUnknownCohort, "%q", c)
	}
}

func (r *Runner) export(log *zap.Logger, res *model.RunResult) string {
	if r.exporter == nil {
		return ""
	}
	path, err := r.exporter.Write(res, r.tax)
	if err != nil {
		log.Warn("runner: export failed", zap.Error(err))
		return ""
	}
	log.Info("runner: export written", zap.String("path", path))
	return path
}

// finish persists the captured log and reports the final run state.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, rec *runlog.Recorder, runID, exportPath string, started time.Time) {
	if err := r.store.AppendLogs(ctx, runID, rec.Entries()); err != nil {
		log.Warn("runner: persist run log", zap.Error(err))
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		log.Warn("runner: reload run", zap.Error(err))
		return
	}
	r.metrics.ObserveRun(*run, r.now().Sub(started))
	if err := r.publisher.Publish(ctx, publish.EventFromRun(*run, exportPath)); err != nil {
		log.Warn("runner: publish run event", zap.Error(err))
	}
}

// timed runs fn as a named phase and logs its outcome.
func timed[T any](now func() time.Time, log *zap.Logger, name string, fn func() (T, error)) (T, error) {
	start := now()
	v, err := fn()
	duration := now().Sub(start).Milliseconds()
	if err != nil {
		log.Error("runner: phase failed", zap.String("phase", name), zap.Int64("duration_ms", duration), zap.Error(err))
		return v, err
	}
	log.Info("runner: phase complete", zap.String("phase", name), zap.Int64("duration_ms", duration))
	return v, nil
}
