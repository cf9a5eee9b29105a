package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is intended for
// local runs and tests; a single connection serializes all writers.
type SQLiteStore struct {
	*sqlQueries
	db *sql.DB
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQueries struct {
	q sqlExecer
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqlQueries: &sqlQueries{q: db}, db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	year        INTEGER NOT NULL DEFAULT 0,
	make        TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	vin         TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	region      TEXT NOT NULL DEFAULT '',
	owner_id    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	visibility  TEXT NOT NULL DEFAULT 'public',
	merged_into TEXT REFERENCES entities(id),
	sale_price  REAL,
	sale_status TEXT NOT NULL DEFAULT '',
	view_count  INTEGER NOT NULL DEFAULT 0,
	watch_count INTEGER NOT NULL DEFAULT 0,
	version     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_fields (
	entity_id  TEXT NOT NULL REFERENCES entities(id),
	field_name TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (entity_id, field_name)
);

CREATE TABLE IF NOT EXISTS evidence (
	id                 TEXT PRIMARY KEY,
	entity_id          TEXT NOT NULL REFERENCES entities(id),
	field_name         TEXT NOT NULL,
	proposed_value     TEXT NOT NULL,
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL DEFAULT '',
	source_trust       REAL NOT NULL,
	supporting_signals TEXT NOT NULL DEFAULT '{}',
	observed_at        TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consensus_results (
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	field_name  TEXT NOT NULL,
	result      TEXT NOT NULL,
	action      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	computed_at TEXT NOT NULL,
	PRIMARY KEY (entity_id, field_name)
);

CREATE TABLE IF NOT EXISTS media (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL REFERENCES entities(id),
	fingerprint   TEXT NOT NULL,
	url           TEXT NOT NULL DEFAULT '',
	captured_at   TEXT,
	capture_point BLOB,
	created_at    TEXT NOT NULL,
	UNIQUE (entity_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS listings (
	id           TEXT PRIMARY KEY,
	entity_id    TEXT NOT NULL REFERENCES entities(id),
	platform     TEXT NOT NULL,
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	asking_price REAL,
	current_bid  REAL,
	sold_price   REAL,
	ends_at      TEXT,
	updated_at   TEXT NOT NULL,
	UNIQUE (entity_id, url)
);

CREATE TABLE IF NOT EXISTS identifiers (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL REFERENCES entities(id),
	system     TEXT NOT NULL,
	value      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (entity_id, system, value)
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL REFERENCES entities(id),
	event_key   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	UNIQUE (entity_id, event_key)
);

CREATE TABLE IF NOT EXISTS merge_records (
	id             TEXT PRIMARY KEY,
	canonical_id   TEXT NOT NULL REFERENCES entities(id),
	absorbed_id    TEXT NOT NULL REFERENCES entities(id),
	match_basis    TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	moved_children TEXT NOT NULL,
	skipped        TEXT NOT NULL DEFAULT '[]',
	touched_fields TEXT NOT NULL DEFAULT '[]',
	executed_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS source_controls (
	source_name         TEXT PRIMARY KEY,
	source_type         TEXT NOT NULL DEFAULT '',
	is_enabled          INTEGER NOT NULL DEFAULT 1,
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	rate_limit_seconds  INTEGER NOT NULL DEFAULT 0,
	priority            INTEGER NOT NULL DEFAULT 0,
	last_run_at         TEXT,
	last_success_at     TEXT,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	updated_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id            TEXT PRIMARY KEY,
	source_name   TEXT NOT NULL REFERENCES source_controls(source_name),
	status        TEXT NOT NULL DEFAULT 'queued',
	attempt       INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	priority      INTEGER NOT NULL DEFAULT 0,
	scheduled_for TEXT NOT NULL,
	locked_by     TEXT,
	locked_at     TEXT,
	payload       TEXT,
	result        TEXT,
	error         TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
CREATE INDEX IF NOT EXISTS idx_evidence_entity_field ON evidence(entity_id, field_name, observed_at);
CREATE INDEX IF NOT EXISTS idx_media_fingerprint ON media(fingerprint);
CREATE INDEX IF NOT EXISTS idx_merge_records_canonical ON merge_records(canonical_id);
CREATE INDEX IF NOT EXISTS idx_merge_records_absorbed ON merge_records(absorbed_id);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON ingestion_jobs(source_name, status, priority, scheduled_for);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqlQueries{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) SyncSources(ctx context.Context, sources []model.SourceControl) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(q Queries) error {
		for _, sc := range sources {
			if err := q.UpsertSource(ctx, sc); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sync sources")
	}
	return n, nil
}

// --- helpers ---

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTS(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func fmtNullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTS(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// inList renders n comma-separated placeholders and the matching args.
func inList(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// --- Entities ---

const sqlEntityCols = `id, year, make, model, vin, title, region, owner_id, status, visibility,
	merged_into, sale_price, sale_status, view_count, watch_count, version, created_at, updated_at`

func scanSQLEntity(row scannable) (*model.Entity, error) {
	var (
		e                    model.Entity
		status, visibility   string
		mergedInto           sql.NullString
		salePrice            sql.NullFloat64
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Year, &e.Make, &e.Model, &e.VIN, &e.Title, &e.Region, &e.OwnerID,
		&status, &visibility, &mergedInto, &salePrice, &e.SaleStatus, &e.ViewCount, &e.WatchCount,
		&e.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Status = model.EntityStatus(status)
	e.Visibility = model.Visibility(visibility)
	e.MergedInto = mergedInto.String
	e.SalePrice = nullFloat(salePrice)
	var err error
	if e.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectSQLEntities(rows *sql.Rows) ([]model.Entity, error) {
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanSQLEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

func (s *sqlQueries) CreateEntity(ctx context.Context, e *model.Entity) error {
	if e.Status == "" {
		e.Status = model.EntityActive
	}
	if e.Visibility == "" {
		e.Visibility = model.VisibilityPublic
	}
	if e.Version == 0 {
		e.Version = 1
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entities (`+sqlEntityCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Year, e.Make, e.Model, e.VIN, e.Title, e.Region, e.OwnerID,
		string(e.Status), string(e.Visibility), nullString(e.MergedInto), floatArg(e.SalePrice), e.SaleStatus,
		e.ViewCount, e.WatchCount, e.Version, fmtTS(e.CreatedAt), fmtTS(e.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: create entity %s", e.ID)
}

func (s *sqlQueries) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	e, err := scanSQLEntity(s.q.QueryRowContext(ctx, `SELECT `+sqlEntityCols+` FROM entities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entity %s", id)
	}
	return e, nil
}

func (s *sqlQueries) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + sqlEntityCols + ` FROM entities WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if len(filter.IDs) > 0 {
		ph, idArgs := inList(filter.IDs)
		query += ` AND id IN (` + ph + `)`
		args = append(args, idArgs...)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	return collectSQLEntities(rows)
}

// LockEntities relies on the store's single connection for exclusion.
func (s *sqlQueries) LockEntities(ctx context.Context, ids ...string) ([]model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := inList(ids)
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqlEntityCols+` FROM entities WHERE id IN (`+ph+`) ORDER BY id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lock entities")
	}
	return collectSQLEntities(rows)
}

func (s *sqlQueries) MarkMerged(ctx context.Context, id, into string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE entities SET status = 'merged', merged_into = ?, visibility = 'private',
			version = version + 1, updated_at = ?
		WHERE id = ? AND status <> 'merged'`,
		into, fmtTS(at), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark merged %s", id)
	}
	return affectedOne(res)
}

func (s *sqlQueries) AddCounters(ctx context.Context, id string, views, watches int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE entities SET view_count = view_count + ?, watch_count = watch_count + ?,
			version = version + 1, updated_at = ?
		WHERE id = ?`,
		views, watches, fmtTS(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add counters %s", id)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "sqlite: add counters %s", id)
	}
	return nil
}

func (s *sqlQueries) ApplyEntityAttribute(ctx context.Context, id, field, value string, at time.Time) (bool, error) {
	col, ok := entityAttributeColumns[field]
	if !ok {
		return false, nil
	}
	var arg any = value
	if col == "year" {
		year, err := strconv.Atoi(value)
		if err != nil {
			return false, nil
		}
		arg = year
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE entities SET `+col+` = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		arg, fmtTS(at), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: apply %s to entity %s", field, id)
	}
	return affectedOne(res)
}

// --- Canonical fields ---

func scanSQLField(row scannable) (*model.CanonicalField, error) {
	var (
		f         model.CanonicalField
		updatedAt string
	)
	if err := row.Scan(&f.EntityID, &f.FieldName, &f.Value, &f.Confidence, &f.Version, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if f.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *sqlQueries) GetCanonicalField(ctx context.Context, entityID, field string) (*model.CanonicalField, error) {
	f, err := scanSQLField(s.q.QueryRowContext(ctx,
		`SELECT entity_id, field_name, value, confidence, version, updated_at
		FROM entity_fields WHERE entity_id = ? AND field_name = ?`,
		entityID, field,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get field %s.%s", entityID, field)
	}
	return f, nil
}

func (s *sqlQueries) ListCanonicalFields(ctx context.Context, entityID string) ([]model.CanonicalField, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT entity_id, field_name, value, confidence, version, updated_at
		FROM entity_fields WHERE entity_id = ? ORDER BY field_name`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list fields %s", entityID)
	}
	defer rows.Close()

	var out []model.CanonicalField
	for rows.Next() {
		f, err := scanSQLField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate fields")
}

func (s *sqlQueries) CompareAndSetField(ctx context.Context, f model.CanonicalField, expect int64) (bool, error) {
	if expect == 0 {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, confidence, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT (entity_id, field_name) DO NOTHING`,
			f.EntityID, f.FieldName, f.Value, f.Confidence, fmtTS(f.UpdatedAt),
		)
		if err != nil {
			return false, eris.Wrapf(err, "sqlite: insert field %s.%s", f.EntityID, f.FieldName)
		}
		return affectedOne(res)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE entity_fields SET value = ?, confidence = ?, version = version + 1, updated_at = ?
		WHERE entity_id = ? AND field_name = ? AND version = ?`,
		f.Value, f.Confidence, fmtTS(f.UpdatedAt), f.EntityID, f.FieldName, expect,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update field %s.%s", f.EntityID, f.FieldName)
	}
	return affectedOne(res)
}

// --- Evidence ---

func (s *sqlQueries) InsertEvidence(ctx context.Context, evidence []model.FieldEvidence) error {
	for _, ev := range evidence {
		signals, err := json.Marshal(ev.Signals)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal signals")
		}
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO evidence (`+sqlEvidenceCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.EntityID, ev.FieldName, ev.ProposedValue, string(ev.SourceType), ev.SourceName,
			ev.SourceTrust, string(signals), fmtTS(ev.ObservedAt), string(ev.Status), fmtTS(ev.CreatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert evidence %s", ev.ID)
		}
	}
	return nil
}

const sqlEvidenceCols = `id, entity_id, field_name, proposed_value, source_type, source_name,
	source_trust, supporting_signals, observed_at, status, created_at`

func scanSQLEvidence(row scannable) (*model.FieldEvidence, error) {
	var (
		ev                    model.FieldEvidence
		sourceType, status    string
		signals               string
		observedAt, createdAt string
	)
	if err := row.Scan(&ev.ID, &ev.EntityID, &ev.FieldName, &ev.ProposedValue, &sourceType, &ev.SourceName,
		&ev.SourceTrust, &signals, &observedAt, &status, &createdAt); err != nil {
		return nil, err
	}
	ev.SourceType = model.SourceType(sourceType)
	ev.Status = model.EvidenceStatus(status)
	if signals != "" {
		if err := json.Unmarshal([]byte(signals), &ev.Signals); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal signals for %s", ev.ID)
		}
	}
	var err error
	if ev.ObservedAt, err = parseTS(observedAt); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *sqlQueries) GetEvidence(ctx context.Context, id string) (*model.FieldEvidence, error) {
	ev, err := scanSQLEvidence(s.q.QueryRowContext(ctx, `SELECT `+sqlEvidenceCols+` FROM evidence WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evidence %s", id)
	}
	return ev, nil
}

func (s *sqlQueries) ListEvidence(ctx context.Context, entityID, field string) ([]model.FieldEvidence, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqlEvidenceCols+` FROM evidence
		WHERE entity_id = ? AND field_name = ?
		ORDER BY observed_at DESC, created_at DESC, id`,
		entityID, field,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list evidence %s.%s", entityID, field)
	}
	defer rows.Close()

	var out []model.FieldEvidence
	for rows.Next() {
		ev, err := scanSQLEvidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate evidence")
}

func (s *sqlQueries) SetEvidenceStatus(ctx context.Context, ids []string, status model.EvidenceStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph, idArgs := inList(ids)
	args := append([]any{string(status)}, idArgs...)
	res, err := s.q.ExecContext(ctx,
		`UPDATE evidence SET status = ? WHERE id IN (`+ph+`) AND status <> 'rejected'`, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: set evidence status %s", status)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Consensus cache ---

func (s *sqlQueries) UpsertConsensus(ctx context.Context, r model.ConsensusResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal consensus")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO consensus_results (entity_id, field_name, result, action, confidence, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, field_name) DO UPDATE SET
			result = excluded.result, action = excluded.action,
			confidence = excluded.confidence, computed_at = excluded.computed_at`,
		r.EntityID, r.FieldName, string(data), string(r.Action), r.Confidence, fmtTS(r.ComputedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert consensus %s.%s", r.EntityID, r.FieldName)
}

func (s *sqlQueries) GetConsensus(ctx context.Context, entityID, field string) (*model.ConsensusResult, error) {
	var data string
	err := s.q.QueryRowContext(ctx,
		`SELECT result FROM consensus_results WHERE entity_id = ? AND field_name = ?`,
		entityID, field,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get consensus %s.%s", entityID, field)
	}
	var r model.ConsensusResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal consensus")
	}
	return &r, nil
}
