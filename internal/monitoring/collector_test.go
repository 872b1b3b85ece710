package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/store"
)

type fakeRuns struct {
	runs   []model.Run
	err    error
	filter store.RunFilter
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.filter = filter
	return f.runs, f.err
}

var now = time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)

func run(status model.RunStatus, age time.Duration, leads, matched int) model.Run {
	at := now.Add(-age)
	return model.Run{Status: status, CreatedAt: at, UpdatedAt: at, LeadsCount: leads, MatchedCount: matched}
}

func newTestCollector(runs RunLister) *Collector {
	c := NewCollector(runs, 30*time.Minute)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := newTestCollector(&fakeRuns{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.FailRate)
	assert.Zero(t, snap.MatchRate)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_RunHealth(t *testing.T) {
	fr := &fakeRuns{runs: []model.Run{
		run(model.RunStatusQueued, time.Minute, 0, 0),
		run(model.RunStatusRunning, 2*time.Hour, 0, 0),
		run(model.RunStatusSuccess, 3*time.Hour, 100, 30),
		run(model.RunStatusSuccess, 4*time.Hour, 100, 10),
		run(model.RunStatusError, 5*time.Hour, 0, 0),
		run(model.RunStatusError, 30*time.Hour, 0, 0),
	}}

	snap, err := newTestCollector(fr).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, scanLimit, fr.filter.Limit)
	assert.Equal(t, 5, snap.Total, "runs older than the window are ignored")
	assert.Equal(t, 2, snap.Success)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Queued)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Stuck)
	assert.Equal(t, 200, snap.Leads)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 0.0001)
	assert.InDelta(t, 20.0, snap.MatchRate, 0.0001)
}

func TestCollector_Error(t *testing.T) {
	_, err := newTestCollector(&fakeRuns{err: errors.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")
}
