package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/geo"
	"github.com/sells-group/vehicle-consensus/internal/model"
)

func sqlEntityScope(alias string, entityIDs []string) (string, []any) {
	if len(entityIDs) == 0 {
		return alias + `.entity_id IN (SELECT id FROM entities WHERE status = 'active')`, nil
	}
	ph, args := inList(entityIDs)
	return alias + `.entity_id IN (` + ph + `)`, args
}

func (s *sqlQueries) InsertMedia(ctx context.Context, m *model.Media) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	point, err := geo.EncodePoint(m.Lat, m.Lon)
	if err != nil {
		return eris.Wrapf(err, "sqlite: media %s", m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO media (id, entity_id, fingerprint, url, captured_at, capture_point, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, fingerprint) DO NOTHING`,
		m.ID, m.EntityID, m.Fingerprint, m.URL, fmtNullTS(m.CapturedAt), point, fmtTS(m.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert media %s", m.ID)
}

func (s *sqlQueries) InsertListing(ctx context.Context, l *model.Listing) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO listings (id, entity_id, platform, url, status, asking_price, current_bid, sold_price, ends_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, url) DO UPDATE SET
			status = excluded.status, asking_price = excluded.asking_price,
			current_bid = excluded.current_bid, sold_price = excluded.sold_price,
			ends_at = excluded.ends_at, updated_at = excluded.updated_at`,
		l.ID, l.EntityID, l.Platform, l.URL, string(l.Status), floatArg(l.AskingPrice), floatArg(l.CurrentBid),
		floatArg(l.SoldPrice), fmtNullTS(l.EndsAt), fmtTS(l.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert listing %s", l.URL)
}

func (s *sqlQueries) InsertIdentifier(ctx context.Context, i *model.Identifier) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO identifiers (id, entity_id, system, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, system, value) DO NOTHING`,
		i.ID, i.EntityID, i.System, i.Value, fmtTS(i.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert identifier %s:%s", i.System, i.Value)
}

func (s *sqlQueries) InsertEvent(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO events (id, entity_id, event_key, kind, occurred_at, detail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, event_key) DO NOTHING`,
		e.ID, e.EntityID, e.EventKey, e.Kind, fmtTS(e.OccurredAt), e.Detail,
	)
	return eris.Wrapf(err, "sqlite: insert event %s", e.EventKey)
}

func (s *sqlQueries) ListMedia(ctx context.Context, entityIDs []string) ([]model.Media, error) {
	scope, args := sqlEntityScope("m", entityIDs)
	rows, err := s.q.QueryContext(ctx,
		`SELECT m.id, m.entity_id, m.fingerprint, m.url, m.captured_at, m.capture_point, m.created_at
		FROM media m WHERE `+scope+` ORDER BY m.entity_id, m.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list media")
	}
	defer rows.Close()

	var out []model.Media
	for rows.Next() {
		var (
			m          model.Media
			capturedAt sql.NullString
			point      []byte
			createdAt  string
		)
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Fingerprint, &m.URL, &capturedAt, &point, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan media")
		}
		if m.CapturedAt, err = parseNullTS(capturedAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if m.Lat, m.Lon, err = geo.DecodePoint(point); err != nil {
			return nil, eris.Wrapf(err, "sqlite: media %s", m.ID)
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate media")
}

func (s *sqlQueries) ListListings(ctx context.Context, entityIDs []string) ([]model.Listing, error) {
	scope, args := sqlEntityScope("l", entityIDs)
	rows, err := s.q.QueryContext(ctx,
		`SELECT l.id, l.entity_id, l.platform, l.url, l.status, l.asking_price, l.current_bid,
			l.sold_price, l.ends_at, l.updated_at
		FROM listings l WHERE `+scope+` ORDER BY l.entity_id, l.updated_at DESC, l.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		var (
			l                 model.Listing
			status, updatedAt string
			asking, bid, sold sql.NullFloat64
			endsAt            sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.EntityID, &l.Platform, &l.URL, &status, &asking,
			&bid, &sold, &endsAt, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		l.Status = model.ListingStatus(status)
		l.AskingPrice = nullFloat(asking)
		l.CurrentBid = nullFloat(bid)
		l.SoldPrice = nullFloat(sold)
		if l.EndsAt, err = parseNullTS(endsAt); err != nil {
			return nil, err
		}
		if l.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate listings")
}

func (s *sqlQueries) ListIdentifiers(ctx context.Context, entityIDs []string) ([]model.Identifier, error) {
	scope, args := sqlEntityScope("i", entityIDs)
	rows, err := s.q.QueryContext(ctx,
		`SELECT i.id, i.entity_id, i.system, i.value, i.created_at
		FROM identifiers i WHERE `+scope+` ORDER BY i.entity_id, i.id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list identifiers")
	}
	defer rows.Close()

	var out []model.Identifier
	for rows.Next() {
		var (
			i         model.Identifier
			createdAt string
		)
		if err := rows.Scan(&i.ID, &i.EntityID, &i.System, &i.Value, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identifier")
		}
		if i.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate identifiers")
}

func (s *sqlQueries) ListChildren(ctx context.Context, kind model.ChildKind, entityID string) ([]model.ChildRef, error) {
	spec, ok := childSpecs[kind]
	if !ok {
		return nil, eris.Errorf("sqlite: unknown child kind %q", kind)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, `+childKeyExpr(spec)+` FROM `+spec.table+` WHERE entity_id = ? ORDER BY id`,
		entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s children of %s", kind, entityID)
	}
	defer rows.Close()

	var out []model.ChildRef
	for rows.Next() {
		ref := model.ChildRef{Kind: kind}
		if err := rows.Scan(&ref.ID, &ref.Key); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan child")
		}
		out = append(out, ref)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate children")
}

func (s *sqlQueries) MoveChild(ctx context.Context, ref model.ChildRef, from, to string) (bool, error) {
	spec, ok := childSpecs[ref.Kind]
	if !ok {
		return false, eris.Errorf("sqlite: unknown child kind %q", ref.Kind)
	}
	query := moveChildSQL(spec, func(int) string { return "?" }, "?")
	args := []any{to, ref.ID, from}
	if len(spec.keyCols) > 0 {
		args = append(args, to)
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: move %s %s", ref.Kind, ref.ID)
	}
	return affectedOne(res)
}

// --- Merge audit ---

func (s *sqlQueries) InsertMergeRecord(ctx context.Context, r *model.MergeRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	moved, err := json.Marshal(r.MovedChildren)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal moved children")
	}
	skipped, err := json.Marshal(r.Skipped)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal skipped children")
	}
	touched, err := json.Marshal(r.TouchedFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal touched fields")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO merge_records (id, canonical_id, absorbed_id, match_basis, confidence,
			moved_children, skipped, touched_fields, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CanonicalID, r.AbsorbedID, string(r.MatchBasis), r.Confidence,
		string(moved), string(skipped), string(touched), fmtTS(r.ExecutedAt),
	)
	return eris.Wrapf(err, "sqlite: insert merge record %s<-%s", r.CanonicalID, r.AbsorbedID)
}

func (s *sqlQueries) ListMergeRecords(ctx context.Context, entityID string) ([]model.MergeRecord, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, canonical_id, absorbed_id, match_basis, confidence, moved_children, skipped,
			touched_fields, executed_at
		FROM merge_records WHERE canonical_id = ? OR absorbed_id = ?
		ORDER BY executed_at, id`,
		entityID, entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list merge records %s", entityID)
	}
	defer rows.Close()

	var out []model.MergeRecord
	for rows.Next() {
		var (
			r                       model.MergeRecord
			basis, executedAt       string
			moved, skipped, touched string
		)
		if err := rows.Scan(&r.ID, &r.CanonicalID, &r.AbsorbedID, &basis, &r.Confidence,
			&moved, &skipped, &touched, &executedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merge record")
		}
		r.MatchBasis = model.MatchBasis(basis)
		if err := unmarshalMergeJSON(&r, []byte(moved), []byte(skipped), []byte(touched)); err != nil {
			return nil, eris.Wrapf(err, "sqlite: merge record %s", r.ID)
		}
		if r.ExecutedAt, err = parseTS(executedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate merge records")
}

// --- Sources ---

const sqlSourceCols = `source_name, source_type, is_enabled, max_concurrent_jobs, rate_limit_seconds,
	priority, last_run_at, last_success_at, failure_count, updated_at`

func scanSQLSource(row scannable) (*model.SourceControl, error) {
	var (
		sc                    model.SourceControl
		sourceType, updatedAt string
		lastRun, lastSuccess  sql.NullString
	)
	if err := row.Scan(&sc.SourceName, &sourceType, &sc.IsEnabled, &sc.MaxConcurrentJobs,
		&sc.RateLimitSeconds, &sc.Priority, &lastRun, &lastSuccess, &sc.FailureCount,
		&updatedAt); err != nil {
		return nil, err
	}
	sc.SourceType = model.SourceType(sourceType)
	var err error
	if sc.LastRunAt, err = parseNullTS(lastRun); err != nil {
		return nil, err
	}
	if sc.LastSuccessAt, err = parseNullTS(lastSuccess); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *sqlQueries) UpsertSource(ctx context.Context, sc model.SourceControl) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO source_controls (source_name, source_type, is_enabled, max_concurrent_jobs,
			rate_limit_seconds, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_name) DO UPDATE SET
			source_type = excluded.source_type, is_enabled = excluded.is_enabled,
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			rate_limit_seconds = excluded.rate_limit_seconds,
			priority = excluded.priority, updated_at = excluded.updated_at`,
		sc.SourceName, string(sc.SourceType), sc.IsEnabled, sc.MaxConcurrentJobs,
		sc.RateLimitSeconds, sc.Priority, fmtTS(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: upsert source %s", sc.SourceName)
}

func (s *sqlQueries) GetSource(ctx context.Context, name string) (*model.SourceControl, error) {
	sc, err := scanSQLSource(s.q.QueryRowContext(ctx,
		`SELECT `+sqlSourceCols+` FROM source_controls WHERE source_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source %s", name)
	}
	return sc, nil
}

// LockSource is a plain read; the transaction holds the only connection.
func (s *sqlQueries) LockSource(ctx context.Context, name string) (*model.SourceControl, error) {
	return s.GetSource(ctx, name)
}

func (s *sqlQueries) ListSources(ctx context.Context) ([]model.SourceControl, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+sqlSourceCols+` FROM source_controls ORDER BY priority DESC, source_name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var out []model.SourceControl
	for rows.Next() {
		sc, err := scanSQLSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		out = append(out, *sc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *sqlQueries) UpdateSource(ctx context.Context, sc model.SourceControl) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE source_controls SET is_enabled = ?, max_concurrent_jobs = ?,
			rate_limit_seconds = ?, priority = ?, updated_at = ?
		WHERE source_name = ?`,
		sc.IsEnabled, sc.MaxConcurrentJobs, sc.RateLimitSeconds, sc.Priority, fmtTS(time.Now()), sc.SourceName,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source %s", sc.SourceName)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "sqlite: update source %s", sc.SourceName)
	}
	return nil
}

func (s *sqlQueries) TouchSourceRun(ctx context.Context, name string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE source_controls SET last_run_at = ? WHERE source_name = ?`, fmtTS(at), name)
	return eris.Wrapf(err, "sqlite: touch source %s", name)
}

func (s *sqlQueries) RecordSourceOutcome(ctx context.Context, name string, success bool, at time.Time) error {
	query := `UPDATE source_controls SET failure_count = failure_count + 1, updated_at = ? WHERE source_name = ?`
	args := []any{fmtTS(at), name}
	if success {
		query = `UPDATE source_controls SET failure_count = 0, last_success_at = ?, updated_at = ? WHERE source_name = ?`
		args = []any{fmtTS(at), fmtTS(at), name}
	}
	_, err := s.q.ExecContext(ctx, query, args...)
	return eris.Wrapf(err, "sqlite: record outcome for %s", name)
}

func (s *sqlQueries) RaiseSourceFailures(ctx context.Context, name string, floor int, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE source_controls SET failure_count = MAX(failure_count, ?), updated_at = ? WHERE source_name = ?`,
		floor, fmtTS(at), name,
	)
	return eris.Wrapf(err, "sqlite: raise failures for %s", name)
}
