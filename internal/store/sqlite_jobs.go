package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

const sqlJobCols = `id, source_name, status, attempt, max_attempts, priority, scheduled_for,
	locked_by, locked_at, payload, result, error, created_at, updated_at`

func scanSQLJob(row scannable) (*model.IngestionJob, error) {
	var (
		j                          model.IngestionJob
		status, scheduledFor       string
		createdAt, updatedAt       string
		lockedBy, lockedAt, errMsg sql.NullString
		payload, result            sql.NullString
	)
	if err := row.Scan(&j.ID, &j.SourceName, &status, &j.Attempt, &j.MaxAttempts, &j.Priority,
		&scheduledFor, &lockedBy, &lockedAt, &payload, &result, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.LockedBy = lockedBy.String
	j.Error = errMsg.String
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	var err error
	if j.ScheduledFor, err = parseTS(scheduledFor); err != nil {
		return nil, err
	}
	if j.LockedAt, err = parseNullTS(lockedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectSQLJobs(rows *sql.Rows) ([]model.IngestionJob, error) {
	defer rows.Close()
	var out []model.IngestionJob
	for rows.Next() {
		j, err := scanSQLJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func textJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *sqlQueries) InsertJob(ctx context.Context, j *model.IngestionJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobQueued
	}
	now := time.Now().UTC()
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, source_name, status, attempt, max_attempts, priority,
			scheduled_for, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SourceName, string(j.Status), j.Attempt, j.MaxAttempts, j.Priority,
		fmtTS(j.ScheduledFor), textJSON(j.Payload), fmtTS(j.CreatedAt), fmtTS(j.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert job for %s", j.SourceName)
}

func (s *sqlQueries) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	j, err := scanSQLJob(s.q.QueryRowContext(ctx, `SELECT `+sqlJobCols+` FROM ingestion_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *sqlQueries) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + sqlJobCols + ` FROM ingestion_jobs WHERE 1=1`
	var args []any
	if filter.SourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, filter.SourceName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	return collectSQLJobs(rows)
}

func (s *sqlQueries) CountJobs(ctx context.Context, source string, status model.JobStatus) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM ingestion_jobs WHERE source_name = ? AND status = ?`,
		source, string(status),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count %s jobs for %s", status, source)
}

func (s *sqlQueries) NextQueuedJob(ctx context.Context, source string, now time.Time) (*model.IngestionJob, error) {
	j, err := scanSQLJob(s.q.QueryRowContext(ctx,
		`SELECT `+sqlJobCols+` FROM ingestion_jobs
		WHERE source_name = ? AND status = 'queued' AND scheduled_for <= ?
		ORDER BY priority DESC, scheduled_for, created_at, id
		LIMIT 1`,
		source, fmtTS(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: next queued job for %s", source)
	}
	return j, nil
}

func (s *sqlQueries) LeaseJob(ctx context.Context, id, worker string, at time.Time) (bool, error) {
	ts := fmtTS(at)
	res, err := s.q.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'running', locked_by = ?, locked_at = ?,
			attempt = attempt + 1, error = NULL, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		worker, ts, ts, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lease job %s", id)
	}
	return affectedOne(res)
}

func (s *sqlQueries) TransitionJob(ctx context.Context, t model.JobTransition) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, result = COALESCE(?, result), error = ?,
			scheduled_for = COALESCE(?, scheduled_for), locked_by = NULL, locked_at = NULL,
			updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = 'running'`,
		string(t.Status), textJSON(t.Result), nullString(t.Error), fmtNullTS(t.ScheduledFor), fmtTS(t.At),
		t.JobID, t.LockedBy,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition job %s", t.JobID)
	}
	return affectedOne(res)
}

func (s *sqlQueries) ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]model.IngestionJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqlJobCols+` FROM ingestion_jobs
		WHERE status = 'running' AND locked_at < ?
		ORDER BY locked_at, id LIMIT ?`,
		fmtTS(cutoff), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expired leases")
	}
	return collectSQLJobs(rows)
}

func (s *sqlQueries) ResetExpiredLease(ctx context.Context, id, lockedBy string, cutoff time.Time, to model.JobStatus, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, locked_by = NULL, locked_at = NULL,
			error = 'stale lock', updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ? AND locked_at < ?`,
		string(to), fmtTS(at), id, lockedBy, fmtTS(cutoff),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reset lease %s", id)
	}
	return affectedOne(res)
}

func (s *sqlQueries) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = 'queued'`,
		fmtTS(at), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", id)
	}
	return affectedOne(res)
}

func (s *sqlQueries) JobCounts(ctx context.Context) (map[string]map[model.JobStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT source_name, status, count(*) FROM ingestion_jobs
		WHERE status IN ('queued', 'running')
		GROUP BY source_name, status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job counts")
	}
	defer rows.Close()

	out := make(map[string]map[model.JobStatus]int)
	for rows.Next() {
		var (
			source, status string
			n              int
		)
		if err := rows.Scan(&source, &status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		if out[source] == nil {
			out[source] = make(map[model.JobStatus]int)
		}
		out[source][model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate job counts")
}
