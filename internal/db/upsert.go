package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
}

// upsertPlan is a validated UpsertConfig with its statements rendered.
type upsertPlan struct {
	table  string
	temp   string
	create string
	merge  string
}

func newUpsertPlan(cfg UpsertConfig) (upsertPlan, error) {
	if len(cfg.Columns) == 0 {
		return upsertPlan{}, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return upsertPlan{}, eris.New("db: upsert: no conflict keys specified")
	}

	update := cfg.UpdateCols
	if update == nil {
		update = withoutKeys(cfg.Columns, cfg.ConflictKeys)
	}

	p := upsertPlan{
		table: cfg.Table,
		temp:  "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_"),
	}
	tempIdent := pgx.Identifier{p.temp}.Sanitize()
	target := sanitizeTable(cfg.Table)
	cols := quoteAndJoin(cfg.Columns)

	p.create = "CREATE TEMP TABLE " + tempIdent + " (LIKE " + target + " INCLUDING DEFAULTS) ON COMMIT DROP"
	p.merge = "INSERT INTO " + target + " (" + cols + ") SELECT " + cols + " FROM " + tempIdent +
		" ON CONFLICT (" + quoteAndJoin(cfg.ConflictKeys) + ") " + conflictAction(update)
	return p, nil
}

func withoutKeys(cols, keys []string) []string {
	skip := make(map[string]bool, len(keys))
	for _, k := range keys {
		skip[k] = true
	}
	var out []string
	for _, c := range cols {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

func conflictAction(update []string) string {
	if len(update) == 0 {
		return "DO NOTHING"
	}
	sets := make([]string, len(update))
	for i, c := range update {
		ident := pgx.Identifier{c}.Sanitize()
		sets[i] = ident + " = EXCLUDED." + ident
	}
	return "DO UPDATE SET " + strings.Join(sets, ", ")
}

// BulkUpsert COPYs rows into a transaction-scoped temp table and merges
// them into the target with one INSERT ... ON CONFLICT. Columns outside
// UpdateCols keep their stored values.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	p, err := newUpsertPlan(cfg)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = InTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, p.create); err != nil {
			return eris.Wrapf(err, "db: upsert: create temp table for %s", p.table)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{p.temp}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: COPY into temp table for %s", p.table)
		}
		tag, err := tx.Exec(ctx, p.merge)
		if err != nil {
			return eris.Wrapf(err, "db: upsert: merge into %s", p.table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// sanitizeTable quotes a table name, keeping an optional schema prefix.
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
