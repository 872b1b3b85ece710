package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"

	"github.com/ecademy/leadfunnel/internal/db"
	"github.com/ecademy/leadfunnel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	sqlDB   *sql.DB
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgRunColumns = `id, cohort, start_date, end_date, status, leads_count, campaigns_count, matched_count, COALESCE(error, ''), created_at, updated_at`

var campaignSummaries = db.Table[CampaignSummary]{
	Name:    "campaign_summaries",
	Columns: []string{"run_id", "campaign_id", "campaign_name", "leads_count", "matched", "spend", "funnel_stats"},
	Keys:    []string{"run_id", "campaign_id"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	return &PostgresStore{
		pool:  pool,
		sqlDB: sqlDB,
		closeFn: func() {
			sqlDB.Close()
			pool.Close()
		},
	}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.sqlDB == nil {
		return eris.New("postgres: migrate needs a pool-backed store")
	}
	fsys, err := migrationsFor(goose.DialectPostgres)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, s.sqlDB, fsys)
	if err != nil {
		return eris.Wrap(err, "postgres: migration provider")
	}
	_, err = p.Up(ctx)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, id string, req model.RunRequest) (*model.Run, error) {
	if id == "" {
		return nil, eris.New("postgres: run id is required")
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, cohort, start_date, end_date, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(req.Cohort), req.StartDate, req.EndDate, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Cohort:    req.Cohort,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	r := result.Run

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, leads_count = $2, campaigns_count = $3, matched_count = $4, result = $5, error = NULL, updated_at = $6 WHERE id = $7`,
		string(model.RunStatusSuccess), r.LeadsCount, r.CampaignsCount, r.MatchedCount, resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, runErr error) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusError), errorText(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.Logs, err = s.ListLogs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, runID string) (*model.RunResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM runs WHERE id = $1`, runID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", runID)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out model.RunResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &out, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Cohort != "" {
		query += fmt.Sprintf(` AND cohort = $%d`, argIdx)
		args = append(args, string(filter.Cohort))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) AppendLogs(ctx context.Context, runID string, logs []model.RunLog) error {
	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []any{runID, l.Level, l.Message, l.CreatedAt.UTC()})
	}
	_, err := db.CopyFrom(ctx, s.pool, "run_logs", []string{"run_id", "level", "message", "created_at"}, rows)
	return eris.Wrapf(err, "postgres: append logs %s", runID)
}

func (s *PostgresStore) ListLogs(ctx context.Context, runID string) ([]model.RunLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT level, message, created_at FROM run_logs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list logs %s", runID)
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		var l model.RunLog
		if err := rows.Scan(&l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

// SaveCampaigns upserts the summaries, so a retried run overwrites its rows.
func (s *PostgresStore) SaveCampaigns(ctx context.Context, runID string, summaries []CampaignSummary) error {
	t := campaignSummaries
	t.Row = func(c CampaignSummary) []any {
		stats, _ := marshalStats(c.FunnelStats)
		return []any{runID, c.CampaignID, c.CampaignName, c.LeadsCount, c.Matched, c.Spend, stats}
	}
	_, err := db.Upsert(ctx, s.pool, t, summaries)
	return eris.Wrapf(err, "postgres: save campaigns %s", runID)
}

func (s *PostgresStore) ListCampaigns(ctx context.Context, runID string) ([]CampaignSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT campaign_id, campaign_name, leads_count, matched, spend, funnel_stats::text
		FROM campaign_summaries WHERE run_id = $1 ORDER BY campaign_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list campaigns %s", runID)
	}
	defer rows.Close()

	var out []CampaignSummary
	for rows.Next() {
		var c CampaignSummary
		var stats string
		if err := rows.Scan(&c.CampaignID, &c.CampaignName, &c.LeadsCount, &c.Matched, &c.Spend, &stats); err != nil {
			return nil, eris.Wrap(err, "postgres: scan campaign")
		}
		if err := json.Unmarshal([]byte(stats), &c.FunnelStats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal funnel stats")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list campaigns iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var cohort, status string
	err := row.Scan(&r.ID, &cohort, &r.StartDate, &r.EndDate, &status,
		&r.LeadsCount, &r.CampaignsCount, &r.MatchedCount, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Cohort = model.Cohort(cohort)
	r.Status = model.RunStatus(status)
	return &r, nil
}
