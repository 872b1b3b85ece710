package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table maps values of T onto the columns of a Postgres table.
type Table[T any] struct {
	Name string
	// Columns lists every column Row fills, in order.
	Columns []string
	// Keys are the columns of the unique constraint used for conflicts.
	Keys []string
	Row  func(T) []any
}

func (t Table[T]) validate() error {
	switch {
	case t.Name == "":
		return eris.New("db: upsert: no table specified")
	case len(t.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(t.Keys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	case t.Row == nil:
		return eris.New("db: upsert: no row mapper specified")
	}
	return nil
}

// Upsert copies items into a temp table and merges them into the target
// with INSERT ... ON CONFLICT in one transaction. Saving the same keys again
// overwrites the non-key columns.
func Upsert[T any](ctx context.Context, pool Pool, t Table[T], items []T) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	if err := t.validate(); err != nil {
		return 0, err
	}

	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, t.Row(it))
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	temp := tempName(t.Name)
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{temp}.Sanitize(), sanitizeTable(t.Name),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", t.Name)
	}

	if _, err := CopyFrom(ctx, tx, temp, t.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", t.Name)
	}

	tag, err := tx.Exec(ctx, mergeSQL(t.Name, temp, t.Columns, t.Keys))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", t.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func tempName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

func mergeSQL(table, temp string, columns, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		id := pgx.Identifier{c}.Sanitize()
		sets = append(sets, id+" = EXCLUDED."+id)
	}

	cols := quoteAndJoin(columns)
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(table), cols, cols, pgx.Identifier{temp}.Sanitize(), quoteAndJoin(keys), action)
}

// sanitizeTable quotes a table name, splitting an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
