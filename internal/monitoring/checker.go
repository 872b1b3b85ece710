package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/config"
)

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithHealthMetrics publishes every snapshot through m.
func WithHealthMetrics(m *Metrics) CheckerOption {
	return func(c *Checker) { c.metrics = m }
}

// Checker periodically evaluates run health and sends alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	lookback  int
	interval  time.Duration
}

// NewChecker returns a Checker. A non-positive check interval falls back
// to five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, opts ...CheckerOption) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run checks once immediately and then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: starting run health checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: run health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// check collects one snapshot and returns the alerts it raised.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect run health", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	if c.metrics != nil {
		c.metrics.ObserveHealth(snap, alerts)
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: run health ok",
			zap.Int("total", snap.Total),
			zap.Float64("match_rate", snap.MatchRate),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts triggered",
		zap.Int("alerts", len(alerts)),
		zap.Int("sent", sent),
		zap.Int("failed_runs", snap.Failed),
		zap.Int("stuck_runs", snap.Stuck),
	)
	return alerts
}
