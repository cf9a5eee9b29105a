package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return newPostgresStore(mock, nil), mock
}

func entityRow(id string, status model.EntityStatus, mergedInto *string) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "year", "make", "model", "vin", "title", "region", "owner_id", "status", "visibility",
		"merged_into", "sale_price", "sale_status", "view_count", "watch_count", "version", "created_at", "updated_at",
	}).AddRow(id, 1999, "Porsche", "911", "", "", "", "", string(status), "public",
		mergedInto, nil, "", int64(3), int64(1), int64(2), now, now)
}

func TestPostgresStore_GetEntity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, year, make, model, vin, .* FROM entities WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetEntity(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	into := "keep"

	mock.ExpectQuery(`FROM entities WHERE id = \$1`).
		WithArgs("dup").
		WillReturnRows(entityRow("dup", model.EntityMerged, &into))

	got, err := s.GetEntity(context.Background(), "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsMerged())
	assert.Equal(t, "keep", got.MergedInto)
	assert.Equal(t, int64(3), got.ViewCount)
	assert.Nil(t, got.SalePrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockEntities(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WHERE id = ANY\(\$1\) ORDER BY id FOR UPDATE`).
		WithArgs([]string{"a", "b"}).
		WillReturnRows(entityRow("a", model.EntityActive, nil))

	got, err := s.LockEntities(context.Background(), "a", "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkMerged_AlreadyMerged(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET status = 'merged'.*WHERE id = \$1 AND status <> 'merged'`).
		WithArgs("dup", "keep", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.MarkMerged(context.Background(), "dup", "keep", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddCounters_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET view_count = view_count \+ \$2`).
		WithArgs("missing", int64(4), int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.AddCounters(context.Background(), "missing", 4, 1, time.Now())
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyEntityAttribute_Year(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE entities SET year = \$2`).
		WithArgs("e1", 2004, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ApplyEntityAttribute(context.Background(), "e1", "year", "2004", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyEntityAttribute(context.Background(), "e1", "drivetrain", "awd", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSetField(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	f := model.CanonicalField{EntityID: "e1", FieldName: "drivetrain", Value: "awd", Confidence: 82, UpdatedAt: time.Now()}

	mock.ExpectExec(`INSERT INTO entity_fields .* ON CONFLICT \(entity_id, field_name\) DO NOTHING`).
		WithArgs("e1", "drivetrain", "awd", 82.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE entity_fields SET .* AND version = \$6`).
		WithArgs("e1", "drivetrain", "awd", 82.0, pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.CompareAndSetField(context.Background(), f, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSetField(context.Background(), f, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEvidence_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"evidence"}, pgEvidenceCopyCols).WillReturnResult(2)

	now := time.Now()
	err := s.InsertEvidence(context.Background(), []model.FieldEvidence{
		{ID: "ev1", EntityID: "e1", FieldName: "drivetrain", ProposedValue: "awd", SourceType: model.SourceManual,
			SourceTrust: 40, ObservedAt: now, Status: model.EvidencePending, CreatedAt: now},
		{ID: "ev2", EntityID: "e1", FieldName: "drivetrain", ProposedValue: "rwd", SourceType: model.SourceManual,
			SourceTrust: 40, ObservedAt: now, Status: model.EvidencePending, CreatedAt: now},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetEvidenceStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	n, err := s.SetEvidenceStatus(context.Background(), nil, model.EvidenceAccepted)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(`UPDATE evidence SET status = \$1 WHERE id = ANY\(\$2\) AND status <> 'rejected'`).
		WithArgs("superseded", []string{"ev1", "ev2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err = s.SetEvidenceStatus(context.Background(), []string{"ev1", "ev2"}, model.EvidenceSuperseded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MoveChild_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE media SET entity_id = \$1 WHERE id = \$2 AND entity_id = \$3 AND NOT EXISTS \(SELECT 1 FROM media d WHERE d.entity_id = \$1 AND d.fingerprint = media.fingerprint\)`).
		WithArgs("keep", "m2", "dup").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.MoveChild(context.Background(), model.ChildRef{Kind: model.ChildMedia, ID: "m2", Key: "fp"}, "dup", "keep")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MoveChild_EvidenceHasNoKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE evidence SET entity_id = \$1 WHERE id = \$2 AND entity_id = \$3$`).
		WithArgs("keep", "ev9", "dup").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.MoveChild(context.Background(), model.ChildRef{Kind: model.ChildEvidence, ID: "ev9"}, "dup", "keep")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.MoveChild(context.Background(), model.ChildRef{Kind: "photo", ID: "x"}, "dup", "keep")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE source_controls SET last_run_at = \$2`).
		WithArgs("bat", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(q Queries) error {
		return q.TouchSourceRun(context.Background(), "bat", time.Now())
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := eris.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(Queries) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextQueuedJob_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM ingestion_jobs\s+WHERE source_name = \$1 AND status = 'queued'.*FOR UPDATE SKIP LOCKED`).
		WithArgs("bat", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.NextQueuedJob(context.Background(), "bat", time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionJob_LeaseLost(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingestion_jobs SET status = \$3.*WHERE id = \$1 AND locked_by = \$2 AND status = 'running'`).
		WithArgs("j1", "w1", "succeeded", nil, nil, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.TransitionJob(context.Background(), model.JobTransition{
		JobID: "j1", LockedBy: "w1", Status: model.JobSucceeded, At: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetExpiredLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-15 * time.Minute)

	mock.ExpectExec(`error = 'stale lock'.*AND locked_at < \$3`).
		WithArgs("j1", "w1", cutoff, "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ResetExpiredLease(context.Background(), "j1", "w1", cutoff, model.JobFailed, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_JobCounts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT source_name, status, count\(\*\) FROM ingestion_jobs`).
		WillReturnRows(pgxmock.NewRows([]string{"source_name", "status", "count"}).
			AddRow("bat", "queued", 4).
			AddRow("bat", "running", 1).
			AddRow("decoder", "queued", 2))

	counts, err := s.JobCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts["bat"][model.JobQueued])
	assert.Equal(t, 1, counts["bat"][model.JobRunning])
	assert.Equal(t, 2, counts["decoder"][model.JobQueued])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockSource(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM source_controls WHERE source_name = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	sc, err := s.LockSource(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, sc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SyncSources(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_source_controls"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_controls"}, []string{
		"source_name", "source_type", "is_enabled", "max_concurrent_jobs",
		"rate_limit_seconds", "priority", "failure_count", "updated_at",
	}).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("source_name"\) DO UPDATE SET "source_type" = EXCLUDED."source_type"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.SyncSources(context.Background(), []model.SourceControl{
		{SourceName: "bat", SourceType: model.SourceAuction, IsEnabled: true, MaxConcurrentJobs: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RaiseSourceFailures(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE source_controls SET failure_count = GREATEST\(failure_count, \$2\), updated_at = \$3 WHERE source_name = \$1`).
		WithArgs("bat", 3, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.RaiseSourceFailures(context.Background(), "bat", 3, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLiveEntity_Postgres(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	into := "can"

	mock.ExpectQuery(`FROM entities WHERE id = \$1`).
		WithArgs("dup").
		WillReturnRows(entityRow("dup", model.EntityMerged, &into))
	mock.ExpectQuery(`FROM entities WHERE id = \$1`).
		WithArgs("can").
		WillReturnRows(entityRow("can", model.EntityActive, nil))

	e, err := LiveEntity(context.Background(), s, "dup")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "can", e.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	closed := false
	s := newPostgresStore(nil, func() { closed = true })
	require.NoError(t, s.Close())
	assert.True(t, closed)
}
