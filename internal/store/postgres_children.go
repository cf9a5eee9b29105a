package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/geo"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

// pgEntityScope returns a WHERE fragment limiting rows to the given entities,
// or to active entities when none are given.
func pgEntityScope(alias string, entityIDs []string) (string, []any) {
	if len(entityIDs) == 0 {
		return alias + `.entity_id IN (SELECT id FROM entities WHERE status = 'active')`, nil
	}
	return alias + `.entity_id = ANY($1)`, []any{entityIDs}
}

func (p *pgQueries) InsertMedia(ctx context.Context, m *model.Media) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	point, err := geo.EncodePoint(m.Lat, m.Lon)
	if err != nil {
		return eris.Wrapf(err, "postgres: media %s", m.ID)
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO media (id, entity_id, fingerprint, url, captured_at, capture_point, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (entity_id, fingerprint) DO NOTHING`,
		m.ID, m.EntityID, m.Fingerprint, m.URL, m.CapturedAt, point,
	)
	return eris.Wrapf(err, "postgres: insert media %s", m.ID)
}

func (p *pgQueries) InsertListing(ctx context.Context, l *model.Listing) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO listings (id, entity_id, platform, url, status, asking_price, current_bid, sold_price, ends_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_id, url) DO UPDATE SET
			status = EXCLUDED.status, asking_price = EXCLUDED.asking_price,
			current_bid = EXCLUDED.current_bid, sold_price = EXCLUDED.sold_price,
			ends_at = EXCLUDED.ends_at, updated_at = EXCLUDED.updated_at`,
		l.ID, l.EntityID, l.Platform, l.URL, string(l.Status), l.AskingPrice, l.CurrentBid,
		l.SoldPrice, l.EndsAt, l.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert listing %s", l.URL)
}

func (p *pgQueries) InsertIdentifier(ctx context.Context, i *model.Identifier) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO identifiers (id, entity_id, system, value, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_id, system, value) DO NOTHING`,
		i.ID, i.EntityID, i.System, i.Value,
	)
	return eris.Wrapf(err, "postgres: insert identifier %s:%s", i.System, i.Value)
}

func (p *pgQueries) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO events (id, entity_id, event_key, kind, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, event_key) DO NOTHING`,
		e.ID, e.EntityID, e.EventKey, e.Kind, e.OccurredAt, e.Detail,
	)
	return eris.Wrapf(err, "postgres: insert event %s", e.EventKey)
}

func (p *pgQueries) ListMedia(ctx context.Context, entityIDs []string) ([]model.Media, error) {
	scope, args := pgEntityScope("m", entityIDs)
	rows, err := p.q.Query(ctx,
		`SELECT m.id, m.entity_id, m.fingerprint, m.url, m.captured_at, m.capture_point, m.created_at
		FROM media m WHERE `+scope+` ORDER BY m.entity_id, m.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list media")
	}
	defer rows.Close()

	var out []model.Media
	for rows.Next() {
		var (
			m     model.Media
			point []byte
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Fingerprint, &m.URL, &m.CapturedAt, &point, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan media")
		}
		if m.Lat, m.Lon, err = geo.DecodePoint(point); err != nil {
			return nil, eris.Wrapf(err, "postgres: media %s", m.ID)
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate media")
}

func (p *pgQueries) ListListings(ctx context.Context, entityIDs []string) ([]model.Listing, error) {
	scope, args := pgEntityScope("l", entityIDs)
	rows, err := p.q.Query(ctx,
		`SELECT l.id, l.entity_id, l.platform, l.url, l.status, l.asking_price, l.current_bid,
			l.sold_price, l.ends_at, l.updated_at
		FROM listings l WHERE `+scope+` ORDER BY l.entity_id, l.updated_at DESC, l.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		var (
			l      model.Listing
			status string
		)
		if err := rows.Scan(&l.ID, &l.EntityID, &l.Platform, &l.URL, &status, &l.AskingPrice,
			&l.CurrentBid, &l.SoldPrice, &l.EndsAt, &l.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		l.Status = model.ListingStatus(status)
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate listings")
}

func (p *pgQueries) ListIdentifiers(ctx context.Context, entityIDs []string) ([]model.Identifier, error) {
	scope, args := pgEntityScope("i", entityIDs)
	rows, err := p.q.Query(ctx,
		`SELECT i.id, i.entity_id, i.system, i.value, i.created_at
		FROM identifiers i WHERE `+scope+` ORDER BY i.entity_id, i.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list identifiers")
	}
	defer rows.Close()

	var out []model.Identifier
	for rows.Next() {
		var i model.Identifier
		if err := rows.Scan(&i.ID, &i.EntityID, &i.System, &i.Value, &i.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identifier")
		}
		out = append(out, i)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate identifiers")
}

func (p *pgQueries) ListChildren(ctx context.Context, kind model.ChildKind, entityID string) ([]model.ChildRef, error) {
	spec, ok := childSpecs[kind]
	if !ok {
		return nil, eris.Errorf("postgres: unknown child kind %q", kind)
	}
	rows, err := p.q.Query(ctx,
		`SELECT id, `+childKeyExpr(spec)+` FROM `+spec.table+` WHERE entity_id = $1 ORDER BY id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s children of %s", kind, entityID)
	}
	defer rows.Close()

	var out []model.ChildRef
	for rows.Next() {
		ref := model.ChildRef{Kind: kind}
		if err := rows.Scan(&ref.ID, &ref.Key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan child")
		}
		out = append(out, ref)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate children")
}

func (p *pgQueries) MoveChild(ctx context.Context, ref model.ChildRef, from, to string) (bool, error) {
	spec, ok := childSpecs[ref.Kind]
	if !ok {
		return false, eris.Errorf("postgres: unknown child kind %q", ref.Kind)
	}
	sql := moveChildSQL(spec, func(n int) string { return "$" + strconv.Itoa(n) }, "$1")
	tag, err := p.q.Exec(ctx, sql, to, ref.ID, from)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: move %s %s", ref.Kind, ref.ID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Merge audit ---

func (p *pgQueries) InsertMergeRecord(ctx context.Context, r *model.MergeRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	moved, err := json.Marshal(r.MovedChildren)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal moved children")
	}
	skipped, err := json.Marshal(r.Skipped)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal skipped children")
	}
	touched, err := json.Marshal(r.TouchedFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal touched fields")
	}
	_, err = p.q.Exec(ctx,
		`INSERT INTO merge_records (id, canonical_id, absorbed_id, match_basis, confidence,
			moved_children, skipped, touched_fields, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.CanonicalID, r.AbsorbedID, string(r.MatchBasis), r.Confidence,
		moved, skipped, touched, r.ExecutedAt,
	)
	return eris.Wrapf(err, "postgres: insert merge record %s<-%s", r.CanonicalID, r.AbsorbedID)
}

func (p *pgQueries) ListMergeRecords(ctx context.Context, entityID string) ([]model.MergeRecord, error) {
	rows, err := p.q.Query(ctx,
		`SELECT id, canonical_id, absorbed_id, match_basis, confidence, moved_children, skipped,
			touched_fields, executed_at
		FROM merge_records WHERE canonical_id = $1 OR absorbed_id = $1
		ORDER BY executed_at, id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list merge records %s", entityID)
	}
	defer rows.Close()

	var out []model.MergeRecord
	for rows.Next() {
		var (
			r                       model.MergeRecord
			basis                   string
			moved, skipped, touched []byte
		)
		if err := rows.Scan(&r.ID, &r.CanonicalID, &r.AbsorbedID, &basis, &r.Confidence,
			&moved, &skipped, &touched, &r.ExecutedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge record")
		}
		r.MatchBasis = model.MatchBasis(basis)
		if err := unmarshalMergeJSON(&r, moved, skipped, touched); err != nil {
			return nil, eris.Wrapf(err, "postgres: merge record %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate merge records")
}

func unmarshalMergeJSON(r *model.MergeRecord, moved, skipped, touched []byte) error {
	if len(moved) > 0 {
		if err := json.Unmarshal(moved, &r.MovedChildren); err != nil {
			return eris.Wrap(err, "unmarshal moved children")
		}
	}
	if len(skipped) > 0 {
		if err := json.Unmarshal(skipped, &r.Skipped); err != nil {
			return eris.Wrap(err, "unmarshal skipped children")
		}
	}
	if len(touched) > 0 {
		if err := json.Unmarshal(touched, &r.TouchedFields); err != nil {
			return eris.Wrap(err, "unmarshal touched fields")
		}
	}
	return nil
}

// --- Sources ---

const pgSourceCols = `source_name, source_type, is_enabled, max_concurrent_jobs, rate_limit_seconds,
	priority, last_run_at, last_success_at, failure_count, updated_at`

func scanPgSource(row pgx.Row) (*model.SourceControl, error) {
	var (
		sc         model.SourceControl
		sourceType string
	)
	if err := row.Scan(&sc.SourceName, &sourceType, &sc.IsEnabled, &sc.MaxConcurrentJobs,
		&sc.RateLimitSeconds, &sc.Priority, &sc.LastRunAt, &sc.LastSuccessAt, &sc.FailureCount,
		&sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.SourceType = model.SourceType(sourceType)
	return &sc, nil
}

func (p *pgQueries) UpsertSource(ctx context.Context, sc model.SourceControl) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO source_controls (source_name, source_type, is_enabled, max_concurrent_jobs,
			rate_limit_seconds, priority, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (source_name) DO UPDATE SET
			source_type = EXCLUDED.source_type, is_enabled = EXCLUDED.is_enabled,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			rate_limit_seconds = EXCLUDED.rate_limit_seconds,
			priority = EXCLUDED.priority, updated_at = EXCLUDED.updated_at`,
		sc.SourceName, string(sc.SourceType), sc.IsEnabled, sc.MaxConcurrentJobs,
		sc.RateLimitSeconds, sc.Priority,
	)
	return eris.Wrapf(err, "postgres: upsert source %s", sc.SourceName)
}

func (p *pgQueries) getSource(ctx context.Context, name, suffix string) (*model.SourceControl, error) {
	sc, err := scanPgSource(p.q.QueryRow(ctx,
		`SELECT `+pgSourceCols+` FROM source_controls WHERE source_name = $1`+suffix, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get source %s", name)
	}
	return sc, nil
}

func (p *pgQueries) GetSource(ctx context.Context, name string) (*model.SourceControl, error) {
	return p.getSource(ctx, name, "")
}

func (p *pgQueries) LockSource(ctx context.Context, name string) (*model.SourceControl, error) {
	return p.getSource(ctx, name, " FOR UPDATE")
}

func (p *pgQueries) ListSources(ctx context.Context) ([]model.SourceControl, error) {
	rows, err := p.q.Query(ctx, `SELECT `+pgSourceCols+` FROM source_controls ORDER BY priority DESC, source_name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.SourceControl
	for rows.Next() {
		sc, err := scanPgSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sources")
}

func (p *pgQueries) UpdateSource(ctx context.Context, sc model.SourceControl) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE source_controls SET is_enabled = $2, max_concurrent_jobs = $3,
			rate_limit_seconds = $4, priority = $5, updated_at = now()
		WHERE source_name = $1`,
		sc.SourceName, sc.IsEnabled, sc.MaxConcurrentJobs, sc.RateLimitSeconds, sc.Priority,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source %s", sc.SourceName)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: update source %s", sc.SourceName)
	}
	return nil
}

func (p *pgQueries) TouchSourceRun(ctx context.Context, name string, at time.Time) error {
	_, err := p.q.Exec(ctx, `UPDATE source_controls SET last_run_at = $2 WHERE source_name = $1`, name, at)
	return eris.Wrapf(err, "postgres: touch source %s", name)
}

func (p *pgQueries) RecordSourceOutcome(ctx context.Context, name string, success bool, at time.Time) error {
	query := `UPDATE source_controls SET failure_count = failure_count + 1, updated_at = $2 WHERE source_name = $1`
	if success {
		query = `UPDATE source_controls SET failure_count = 0, last_success_at = $2, updated_at = $2 WHERE source_name = $1`
	}
	_, err := p.q.Exec(ctx, query, name, at)
	return eris.Wrapf(err, "postgres: record outcome for %s", name)
}

func (p *pgQueries) RaiseSourceFailures(ctx context.Context, name string, floor int, at time.Time) error {
	_, err := p.q.Exec(ctx,
		`UPDATE source_controls SET failure_count = GREATEST(failure_count, $2), updated_at = $3 WHERE source_name = $1`,
		name, floor, at,
	)
	return eris.Wrapf(err, "postgres: raise failures for %s", name)
}
