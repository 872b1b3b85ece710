package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type summary struct {
	RunID, CampaignID string
	Leads             int
}

var summaries = Table[summary]{
	Name:    "campaign_summaries",
	Columns: []string{"run_id", "campaign_id", "leads_count"},
	Keys:    []string{"run_id", "campaign_id"},
	Row:     func(s summary) []any { return []any{s.RunID, s.CampaignID, s.Leads} },
}

func TestUpsert_EmptyItems(t *testing.T) {
	n, err := Upsert(context.Background(), nil, summaries, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsert_InvalidTable(t *testing.T) {
	items := []summary{{"r1", "c1", 3}}

	tests := []struct {
		name  string
		table Table[summary]
		want  string
	}{
		{"no table", Table[summary]{Columns: summaries.Columns, Keys: summaries.Keys, Row: summaries.Row}, "no table specified"},
		{"no columns", Table[summary]{Name: "t", Keys: summaries.Keys, Row: summaries.Row}, "no columns specified"},
		{"no keys", Table[summary]{Name: "t", Columns: summaries.Columns, Row: summaries.Row}, "no conflict keys specified"},
		{"no row", Table[summary]{Name: "t", Columns: summaries.Columns, Keys: summaries.Keys}, "no row mapper specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Upsert(context.Background(), nil, tt.table, items)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_campaign_summaries"}, summaries.Columns).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := Upsert(context.Background(), mock, summaries, []summary{{"r1", "c1", 3}, {"r1", "c2", 0}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_MergeFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_campaign_summaries"}, summaries.Columns).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint missing"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, summaries, []summary{{"r1", "c1", 3}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge into campaign_summaries")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSQL(t *testing.T) {
	got := mergeSQL("campaign_summaries", "_tmp", []string{"run_id", "campaign_id", "leads_count"}, []string{"run_id", "campaign_id"})
	assert.Equal(t,
		`INSERT INTO "campaign_summaries" ("run_id", "campaign_id", "leads_count") SELECT "run_id", "campaign_id", "leads_count" FROM "_tmp" ON CONFLICT ("run_id", "campaign_id") DO UPDATE SET "leads_count" = EXCLUDED."leads_count"`,
		got)

	got = mergeSQL("t", "_tmp", []string{"id"}, []string{"id"})
	assert.Contains(t, got, "ON CONFLICT (\"id\") DO NOTHING")
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"simple"`, sanitizeTable("simple"))
	assert.Equal(t, `"app"."runs"`, sanitizeTable("app.runs"))
}
