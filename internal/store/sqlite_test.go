package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_ForeignKeysEnforced(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InsertEvidence(ctx, []model.FieldEvidence{{
		ID:            "ev-1",
		EntityID:      "missing",
		FieldName:     "engine",
		ProposedValue: "3.6L",
		SourceType:    model.SourceManual,
		ObservedAt:    time.Now().UTC(),
	}})
	assert.Error(t, err)
}

func TestSQLite_MediaCapturePoint(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateEntity(ctx, &model.Entity{ID: "veh-1"}))

	lat, lon := 33.749, -84.388
	captured := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertMedia(ctx, &model.Media{
		EntityID: "veh-1", Fingerprint: "abc", CapturedAt: &captured, Lat: &lat, Lon: &lon,
	}))
	require.NoError(t, st.InsertMedia(ctx, &model.Media{EntityID: "veh-1", Fingerprint: "def"}))

	media, err := st.ListMedia(ctx, []string{"veh-1"})
	require.NoError(t, err)
	require.Len(t, media, 2)

	byFP := map[string]model.Media{}
	for _, m := range media {
		byFP[m.Fingerprint] = m
	}
	located := byFP["abc"]
	require.True(t, located.HasLocation())
	assert.InDelta(t, lat, *located.Lat, 1e-9)
	assert.InDelta(t, lon, *located.Lon, 1e-9)
	require.NotNil(t, located.CapturedAt)
	assert.True(t, captured.Equal(*located.CapturedAt))

	plain := byFP["def"]
	assert.False(t, plain.HasLocation())
	assert.Nil(t, plain.CapturedAt)
}

func TestSQLite_DuplicateMediaIgnored(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateEntity(ctx, &model.Entity{ID: "veh-1"}))

	require.NoError(t, st.InsertMedia(ctx, &model.Media{EntityID: "veh-1", Fingerprint: "abc"}))
	require.NoError(t, st.InsertMedia(ctx, &model.Media{EntityID: "veh-1", Fingerprint: "abc"}))

	media, err := st.ListMedia(ctx, []string{"veh-1"})
	require.NoError(t, err)
	assert.Len(t, media, 1)
}

func TestLiveEntity_FollowsMergeChain(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.CreateEntity(ctx, &model.Entity{ID: id}))
	}
	_, err := st.MarkMerged(ctx, "a", "b", now)
	require.NoError(t, err)
	_, err = st.MarkMerged(ctx, "b", "c", now)
	require.NoError(t, err)

	e, err := LiveEntity(ctx, st, "a")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "c", e.ID)

	e, err = LiveEntity(ctx, st, "ghost")
	require.NoError(t, err)
	assert.Nil(t, e)
}
