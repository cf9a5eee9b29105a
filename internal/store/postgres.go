package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/db"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	*pgQueries
	pool    db.Pool
	closeFn func()
}

// pgQueries runs statements against either the pool or an open transaction.
type pgQueries struct {
	q db.Querier
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{q: pool}, pool: pool, closeFn: closeFn}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationFS, "migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx})
	})
}

func (s *PostgresStore) SyncSources(ctx context.Context, sources []model.SourceControl) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(sources))
	for _, sc := range sources {
		rows = append(rows, []any{
			sc.SourceName, string(sc.SourceType), sc.IsEnabled, sc.MaxConcurrentJobs,
			sc.RateLimitSeconds, sc.Priority, 0, now,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "source_controls",
		Columns: []string{
			"source_name", "source_type", "is_enabled", "max_concurrent_jobs",
			"rate_limit_seconds", "priority", "failure_count", "updated_at",
		},
		ConflictKeys: []string{"source_name"},
		UpdateCols: []string{
			"source_type", "is_enabled", "max_concurrent_jobs",
			"rate_limit_seconds", "priority", "updated_at",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: sync sources")
}

// --- Entities ---

const pgEntityCols = `id, year, make, model, vin, title, region, owner_id, status, visibility,
	merged_into, sale_price, sale_status, view_count, watch_count, version, created_at, updated_at`

func scanPgEntity(row pgx.Row) (*model.Entity, error) {
	var (
		e          model.Entity
		status     string
		visibility string
		mergedInto *string
	)
	err := row.Scan(&e.ID, &e.Year, &e.Make, &e.Model, &e.VIN, &e.Title, &e.Region, &e.OwnerID,
		&status, &visibility, &mergedInto, &e.SalePrice, &e.SaleStatus, &e.ViewCount, &e.WatchCount,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = model.EntityStatus(status)
	e.Visibility = model.Visibility(visibility)
	if mergedInto != nil {
		e.MergedInto = *mergedInto
	}
	return &e, nil
}

func collectPgEntities(rows pgx.Rows) ([]model.Entity, error) {
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (p *pgQueries) CreateEntity(ctx context.Context, e *model.Entity) error {
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

	_, err := p.q.Exec(ctx,
		`INSERT INTO entities (`+pgEntityCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.Year, e.Make, e.Model, e.VIN, e.Title, e.Region, e.OwnerID,
		string(e.Status), string(e.Visibility), nullString(e.MergedInto), e.SalePrice, e.SaleStatus,
		e.ViewCount, e.WatchCount, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create entity %s", e.ID)
}

func (p *pgQueries) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	e, err := scanPgEntity(p.q.QueryRow(ctx, `SELECT `+pgEntityCols+` FROM entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entity %s", id)
	}
	return e, nil
}

func (p *pgQueries) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT ` + pgEntityCols + ` FROM entities WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += ` AND owner_id = $` + strconv.Itoa(len(args))
	}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		query += ` AND id = ANY($` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	return collectPgEntities(rows)
}

func (p *pgQueries) LockEntities(ctx context.Context, ids ...string) ([]model.Entity, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+pgEntityCols+` FROM entities WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lock entities")
	}
	return collectPgEntities(rows)
}

func (p *pgQueries) MarkMerged(ctx context.Context, id, into string, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE entities SET status = 'merged', merged_into = $2, visibility = 'private',
			version = version + 1, updated_at = $3
		WHERE id = $1 AND status <> 'merged'`,
		id, into, at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark merged %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgQueries) AddCounters(ctx context.Context, id string, views, watches int64, at time.Time) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE entities SET view_count = view_count + $2, watch_count = watch_count + $3,
			version = version + 1, updated_at = $4
		WHERE id = $1`,
		id, views, watches, at,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add counters %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: add counters %s", id)
	}
	return nil
}

func (p *pgQueries) ApplyEntityAttribute(ctx context.Context, id, field, value string, at time.Time) (bool, error) {
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
	tag, err := p.q.Exec(ctx,
		`UPDATE entities SET `+col+` = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
		id, arg, at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: apply %s to entity %s", field, id)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Canonical fields ---

func (p *pgQueries) GetCanonicalField(ctx context.Context, entityID, field string) (*model.CanonicalField, error) {
	var f model.CanonicalField
	err := p.q.QueryRow(ctx,
		`SELECT entity_id, field_name, value, confidence, version, updated_at
		FROM entity_fields WHERE entity_id = $1 AND field_name = $2`,
		entityID, field,
	).Scan(&f.EntityID, &f.FieldName, &f.Value, &f.Confidence, &f.Version, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get field %s.%s", entityID, field)
	}
	return &f, nil
}

func (p *pgQueries) ListCanonicalFields(ctx context.Context, entityID string) ([]model.CanonicalField, error) {
	rows, err := p.q.Query(ctx,
		`SELECT entity_id, field_name, value, confidence, version, updated_at
		FROM entity_fields WHERE entity_id = $1 ORDER BY field_name`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list fields %s", entityID)
	}
	defer rows.Close()

	var out []model.CanonicalField
	for rows.Next() {
		var f model.CanonicalField
		if err := rows.Scan(&f.EntityID, &f.FieldName, &f.Value, &f.Confidence, &f.Version, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate fields")
}

func (p *pgQueries) CompareAndSetField(ctx context.Context, f model.CanonicalField, expect int64) (bool, error) {
	if expect == 0 {
		tag, err := p.q.Exec(ctx,
			`INSERT INTO entity_fields (entity_id, field_name, value, confidence, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (entity_id, field_name) DO NOTHING`,
			f.EntityID, f.FieldName, f.Value, f.Confidence, f.UpdatedAt,
		)
		if err != nil {
			return false, eris.Wrapf(err, "postgres: insert field %s.%s", f.EntityID, f.FieldName)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := p.q.Exec(ctx,
		`UPDATE entity_fields SET value = $3, confidence = $4, version = version + 1, updated_at = $5
		WHERE entity_id = $1 AND field_name = $2 AND version = $6`,
		f.EntityID, f.FieldName, f.Value, f.Confidence, f.UpdatedAt, expect,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update field %s.%s", f.EntityID, f.FieldName)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Evidence ---

var pgEvidenceCopyCols = []string{
	"id", "entity_id", "field_name", "proposed_value", "source_type", "source_name",
	"source_trust", "supporting_signals", "observed_at", "status", "created_at",
}

func (p *pgQueries) InsertEvidence(ctx context.Context, evidence []model.FieldEvidence) error {
	rows := make([][]any, 0, len(evidence))
	for _, ev := range evidence {
		signals, err := json.Marshal(ev.Signals)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal signals")
		}
		rows = append(rows, []any{
			ev.ID, ev.EntityID, ev.FieldName, ev.ProposedValue, string(ev.SourceType), ev.SourceName,
			ev.SourceTrust, signals, ev.ObservedAt, string(ev.Status), ev.CreatedAt,
		})
	}
	_, err := db.CopyFrom(ctx, p.q, "evidence", pgEvidenceCopyCols, rows)
	return eris.Wrap(err, "postgres: insert evidence")
}

const pgEvidenceCols = `id, entity_id, field_name, proposed_value, source_type, source_name,
	source_trust, supporting_signals, observed_at, status, created_at`

func scanPgEvidence(row pgx.Row) (*model.FieldEvidence, error) {
	var (
		ev         model.FieldEvidence
		sourceType string
		status     string
		signals    []byte
	)
	if err := row.Scan(&ev.ID, &ev.EntityID, &ev.FieldName, &ev.ProposedValue, &sourceType, &ev.SourceName,
		&ev.SourceTrust, &signals, &ev.ObservedAt, &status, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.SourceType = model.SourceType(sourceType)
	ev.Status = model.EvidenceStatus(status)
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &ev.Signals); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal signals for %s", ev.ID)
		}
	}
	return &ev, nil
}

func (p *pgQueries) GetEvidence(ctx context.Context, id string) (*model.FieldEvidence, error) {
	ev, err := scanPgEvidence(p.q.QueryRow(ctx, `SELECT `+pgEvidenceCols+` FROM evidence WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evidence %s", id)
	}
	return ev, nil
}

func (p *pgQueries) ListEvidence(ctx context.Context, entityID, field string) ([]model.FieldEvidence, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+pgEvidenceCols+` FROM evidence
		WHERE entity_id = $1 AND field_name = $2
		ORDER BY observed_at DESC, created_at DESC, id`,
		entityID, field,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list evidence %s.%s", entityID, field)
	}
	defer rows.Close()

	var out []model.FieldEvidence
	for rows.Next() {
		ev, err := scanPgEvidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate evidence")
}

func (p *pgQueries) SetEvidenceStatus(ctx context.Context, ids []string, status model.EvidenceStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.q.Exec(ctx,
		`UPDATE evidence SET status = $1 WHERE id = ANY($2) AND status <> 'rejected'`,
		string(status), ids,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: set evidence status %s", status)
	}
	return tag.RowsAffected(), nil
}

// --- Consensus cache ---

func (p *pgQueries) UpsertConsensus(ctx context.Context, r model.ConsensusResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal consensus")
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO consensus_results (entity_id, field_name, result, action, confidence, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, field_name) DO UPDATE SET
			result = EXCLUDED.result, action = EXCLUDED.action,
			confidence = EXCLUDED.confidence, computed_at = EXCLUDED.computed_at`,
		r.EntityID, r.FieldName, data, string(r.Action), r.Confidence, r.ComputedAt,
	)
	return eris.Wrapf(err, "postgres: upsert consensus %s.%s", r.EntityID, r.FieldName)
}

func (p *pgQueries) GetConsensus(ctx context.Context, entityID, field string) (*model.ConsensusResult, error) {
	var data []byte
	err := p.q.QueryRow(ctx,
		`SELECT result FROM consensus_results WHERE entity_id = $1 AND field_name = $2`,
		entityID, field,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get consensus %s.%s", entityID, field)
	}
	var r model.ConsensusResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal consensus")
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
