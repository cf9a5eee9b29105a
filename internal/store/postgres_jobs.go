package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

const pgJobCols = `id, source_name, status, attempt, max_attempts, priority, scheduled_for,
	locked_by, locked_at, payload, result, error, created_at, updated_at`

func scanPgJob(row pgx.Row) (*model.IngestionJob, error) {
	var (
		j        model.IngestionJob
		status   string
		lockedBy *string
		errMsg   *string
		payload  []byte
		result   []byte
	)
	if err := row.Scan(&j.ID, &j.SourceName, &status, &j.Attempt, &j.MaxAttempts, &j.Priority,
		&j.ScheduledFor, &lockedBy, &j.LockedAt, &payload, &result, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	j.Payload = payload
	j.Result = result
	return &j, nil
}

func collectPgJobs(rows pgx.Rows) ([]model.IngestionJob, error) {
	defer rows.Close()
	var out []model.IngestionJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (p *pgQueries) InsertJob(ctx context.Context, j *model.IngestionJob) error {
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

	_, err := p.q.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, source_name, status, attempt, max_attempts, priority,
			scheduled_for, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.SourceName, string(j.Status), j.Attempt, j.MaxAttempts, j.Priority,
		j.ScheduledFor, nullJSON(j.Payload), j.CreatedAt, j.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job for %s", j.SourceName)
}

func (p *pgQueries) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	j, err := scanPgJob(p.q.QueryRow(ctx, `SELECT `+pgJobCols+` FROM ingestion_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (p *pgQueries) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + pgJobCols + ` FROM ingestion_jobs WHERE 1=1`
	var args []any
	if filter.SourceName != "" {
		args = append(args, filter.SourceName)
		query += ` AND source_name = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	return collectPgJobs(rows)
}

func (p *pgQueries) CountJobs(ctx context.Context, source string, status model.JobStatus) (int, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT count(*) FROM ingestion_jobs WHERE source_name = $1 AND status = $2`,
		source, string(status),
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count %s jobs for %s", status, source)
}

func (p *pgQueries) NextQueuedJob(ctx context.Context, source string, now time.Time) (*model.IngestionJob, error) {
	j, err := scanPgJob(p.q.QueryRow(ctx,
		`SELECT `+pgJobCols+` FROM ingestion_jobs
		WHERE source_name = $1 AND status = 'queued' AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for, created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		source, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: next queued job for %s", source)
	}
	return j, nil
}

func (p *pgQueries) LeaseJob(ctx context.Context, id, worker string, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'running', locked_by = $2, locked_at = $3,
			attempt = attempt + 1, error = NULL, updated_at = $3
		WHERE id = $1 AND status = 'queued'`,
		id, worker, at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lease job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgQueries) TransitionJob(ctx context.Context, t model.JobTransition) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $3, result = COALESCE($4, result), error = $5,
			scheduled_for = COALESCE($6, scheduled_for), locked_by = NULL, locked_at = NULL,
			updated_at = $7
		WHERE id = $1 AND locked_by = $2 AND status = 'running'`,
		t.JobID, t.LockedBy, string(t.Status), nullJSON(t.Result), nullString(t.Error), t.ScheduledFor, t.At,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition job %s", t.JobID)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgQueries) ListExpiredLeases(ctx context.Context, cutoff time.Time, limit int) ([]model.IngestionJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.q.Query(ctx,
		`SELECT `+pgJobCols+` FROM ingestion_jobs
		WHERE status = 'running' AND locked_at < $1
		ORDER BY locked_at, id LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired leases")
	}
	return collectPgJobs(rows)
}

func (p *pgQueries) ResetExpiredLease(ctx context.Context, id, lockedBy string, cutoff time.Time, to model.JobStatus, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $4, locked_by = NULL, locked_at = NULL,
			error = 'stale lock', updated_at = $5
		WHERE id = $1 AND status = 'running' AND locked_by = $2 AND locked_at < $3`,
		id, lockedBy, cutoff, string(to), at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reset lease %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgQueries) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'cancelled', updated_at = $2 WHERE id = $1 AND status = 'queued'`,
		id, at,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgQueries) JobCounts(ctx context.Context) (map[string]map[model.JobStatus]int, error) {
	rows, err := p.q.Query(ctx,
		`SELECT source_name, status, count(*) FROM ingestion_jobs
		WHERE status IN ('queued', 'running')
		GROUP BY source_name, status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job counts")
	}
	defer rows.Close()

	out := make(map[string]map[model.JobStatus]int)
	for rows.Next() {
		var (
			source, status string
			n              int
		)
		if err := rows.Scan(&source, &status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		if out[source] == nil {
			out[source] = make(map[model.JobStatus]int)
		}
		out[source][model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate job counts")
}
