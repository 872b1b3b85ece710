package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/store"
)

// scanLimit bounds how many recent runs one snapshot inspects.
const scanLimit = 1000

// RunSnapshot holds a point-in-time view of run health.
type RunSnapshot struct {
	Total    int     `json:"total"`
	Success  int     `json:"success"`
	Failed   int     `json:"failed"`
	Queued   int     `json:"queued"`
	Running  int     `json:"running"`
	Stuck    int     `json:"stuck"`
	Leads    int     `json:"leads"`
	Matched  int     `json:"matched"`
	FailRate float64 `json:"fail_rate"`
	// MatchRate is matched over reconciled leads of successful runs, in
	// percent.
	MatchRate float64 `json:"match_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers run health from the store.
type Collector struct {
	runs       RunLister
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Runs queued or running for longer than
// stuckAfter count as stuck.
func NewCollector(runs RunLister, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = time.Hour
	}
	return &Collector{runs: runs, stuckAfter: stuckAfter, now: time.Now}
}

// Collect summarizes the runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*RunSnapshot, error) {
	now := c.now().UTC()
	snap := &RunSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		// Runs arrive newest first.
		if r.CreatedAt.Before(cutoff) {
			break
		}
		snap.Total++
		switch r.Status {
		case model.RunStatusSuccess:
			snap.Success++
			snap.Leads += r.LeadsCount
			snap.Matched += r.MatchedCount
		case model.RunStatusError:
			snap.Failed++
		case model.RunStatusQueued:
			snap.Queued++
		case model.RunStatusRunning:
			snap.Running++
		}
		if !r.Status.Terminal() && now.Sub(r.UpdatedAt) > c.stuckAfter {
			snap.Stuck++
		}
	}

	if finished := snap.Success + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	if snap.Leads > 0 {
		snap.MatchRate = float64(snap.Matched) / float64(snap.Leads) * 100
	}
	return snap, nil
}
