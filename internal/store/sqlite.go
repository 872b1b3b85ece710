package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ecademy/leadfunnel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection keeps ":memory:" databases shared across calls.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	fsys, err := migrationsFor(goose.DialectSQLite3)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return eris.Wrap(err, "sqlite: migration provider")
	}
	_, err = p.Up(ctx)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, id string, req model.RunRequest) (*model.Run, error) {
	if id == "" {
		return nil, eris.New("sqlite: run id is required")
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, cohort, start_date, end_date, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(req.Cohort), req.StartDate, req.EndDate, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	r := result.Run

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, leads_count = ?, campaigns_count = ?, matched_count = ?, result = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(model.RunStatusSuccess), r.LeadsCount, r.CampaignsCount, r.MatchedCount, string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, runErr error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusError), errorText(runErr), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, cohort, start_date, end_date, status, leads_count, campaigns_count, matched_count, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	r.Logs, err = s.ListLogs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, runID string) (*model.RunResult, error) {
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, runID).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", runID)
	}
	if !resultJSON.Valid {
		return nil, nil
	}
	var out model.RunResult
	if err := json.Unmarshal([]byte(resultJSON.String), &out); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &out, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Cohort != "" {
		query += ` AND cohort = ?`
		args = append(args, string(filter.Cohort))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AppendLogs(ctx context.Context, runID string, logs []model.RunLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append logs")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_logs (run_id, level, message, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare append logs")
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx, runID, l.Level, l.Message, l.CreatedAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: append log to run %s", runID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append logs")
}

func (s *SQLiteStore) ListLogs(ctx context.Context, runID string) ([]model.RunLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, message, created_at FROM run_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list logs %s", runID)
	}
	defer rows.Close()

	var out []model.RunLog
	for rows.Next() {
		var l model.RunLog
		if err := rows.Scan(&l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list logs iterate")
}

func (s *SQLiteStore) SaveCampaigns(ctx context.Context, runID string, summaries []CampaignSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save campaigns")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_summaries (run_id, campaign_id, campaign_name, leads_count, matched, spend, funnel_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, campaign_id) DO UPDATE SET
			campaign_name = excluded.campaign_name,
			leads_count = excluded.leads_count,
			matched = excluded.matched,
			spend = excluded.spend,
			funnel_stats = excluded.funnel_stats`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save campaigns")
	}
	defer stmt.Close()

	for _, c := range summaries {
		stats, err := marshalStats(c.FunnelStats)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, runID, c.CampaignID, c.CampaignName, c.LeadsCount, c.Matched, c.Spend, stats); err != nil {
			return eris.Wrapf(err, "sqlite: save campaign %s", c.CampaignID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save campaigns")
}

func (s *SQLiteStore) ListCampaigns(ctx context.Context, runID string) ([]CampaignSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT campaign_id, campaign_name, leads_count, matched, spend, funnel_stats
		FROM campaign_summaries WHERE run_id = ? ORDER BY campaign_id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list campaigns %s", runID)
	}
	defer rows.Close()

	var out []CampaignSummary
	for rows.Next() {
		var c CampaignSummary
		var stats string
		if err := rows.Scan(&c.CampaignID, &c.CampaignName, &c.LeadsCount, &c.Matched, &c.Spend, &stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan campaign")
		}
		if err := json.Unmarshal([]byte(stats), &c.FunnelStats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal funnel stats")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list campaigns iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var runErr sql.NullString

	err := row.Scan(&r.ID, &r.Cohort, &r.StartDate, &r.EndDate, &r.Status,
		&r.LeadsCount, &r.CampaignsCount, &r.MatchedCount, &runErr, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Error = runErr.String
	return &r, nil
}
