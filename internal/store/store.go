// Package store persists reconciliation runs, their captured logs and the
// per-campaign summaries they produced.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"

	"github.com/ecademy/leadfunnel/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultListLimit caps ListRuns when the filter sets no limit.
const DefaultListLimit = 100

//go:embed migrations
var migrations embed.FS

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Cohort model.Cohort    `json:"campaign_type,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// CampaignSummary is the persisted row of one campaign within a run.
type CampaignSummary struct {
	CampaignID   string         `json:"campaign_id"`
	CampaignName string         `json:"campaign_name"`
	LeadsCount   int            `json:"leads_count"`
	Matched      int            `json:"matched"`
	Spend        float64        `json:"spend"`
	FunnelStats  map[string]int `json:"funnel_stats"`
}

// Summarize flattens campaign reports into summary rows.
func Summarize(reports map[string]model.CampaignReport) []CampaignSummary {
	out := make([]CampaignSummary, 0, len(reports))
	for _, r := range reports {
		out = append(out, CampaignSummary{
			CampaignID:   r.CampaignID,
			CampaignName: r.CampaignName,
			LeadsCount:   r.LeadsCount,
			Matched:      r.Matched,
			Spend:        r.Insights.Spend,
			FunnelStats:  r.FunnelStats,
		})
	}
	return out
}

// Store defines the persistence interface for reconciliation runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, id string, req model.RunRequest) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, runErr error) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetResult(ctx context.Context, runID string) (*model.RunResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Run logs
	AppendLogs(ctx context.Context, runID string, logs []model.RunLog) error
	ListLogs(ctx context.Context, runID string) ([]model.RunLog, error)

	// Campaign summaries
	SaveCampaigns(ctx context.Context, runID string, summaries []CampaignSummary) error
	ListCampaigns(ctx context.Context, runID string) ([]CampaignSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// migrationsFor returns the migration directory of a dialect.
func migrationsFor(dialect goose.Dialect) (fs.FS, error) {
	dir := "migrations/sqlite"
	if dialect == goose.DialectPostgres {
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(migrations, dir)
	return sub, eris.Wrapf(err, "store: migrations %s", dir)
}

func marshalStats(stats map[string]int) (string, error) {
	if stats == nil {
		stats = map[string]int{}
	}
	b, err := json.Marshal(stats)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal funnel stats")
	}
	return string(b), nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
