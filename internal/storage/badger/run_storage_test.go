package badger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	tmpDir := t.TempDir()

	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store, logger: arbor.NewLogger()}
}

func TestRunStorageUpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	storage := NewRunStorage(db, arbor.NewLogger())
	ctx := context.Background()

	run := &models.Run{
		RunID:      "trun_1",
		GroupID:    "tg_1",
		InputIndex: 0,
		Status:     models.RunStatusQueued,
		IsActive:   true,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
		Input:      json.RawMessage(`{"company":"Acme"}`),
	}
	require.NoError(t, storage.UpsertRun(ctx, run))

	got, err := storage.GetRun(ctx, "tg_1", "trun_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)
	assert.True(t, got.IsActive)
	assert.JSONEq(t, `{"company":"Acme"}`, string(got.Input))

	// Upsert with the same key replaces the row
	run.Status = models.RunStatusCompleted
	run.IsActive = false
	require.NoError(t, storage.UpsertRun(ctx, run))

	got, err = storage.GetRun(ctx, "tg_1", "trun_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.False(t, got.IsActive)

	_, err = storage.GetRun(ctx, "tg_1", "trun_missing")
	assert.True(t, interfaces.IsNotFound(err))
}

func TestRunStorageListByGroupOrder(t *testing.T) {
	db := newTestDB(t)
	storage := NewRunStorage(db, arbor.NewLogger())
	ctx := context.Background()

	// Insert out of order across two groups
	for _, r := range []*models.Run{
		{RunID: "trun_b", GroupID: "tg_1", InputIndex: 1, Status: models.RunStatusQueued},
		{RunID: "trun_c", GroupID: "tg_2", InputIndex: 0, Status: models.RunStatusQueued},
		{RunID: "trun_a", GroupID: "tg_1", InputIndex: 0, Status: models.RunStatusQueued},
		{RunID: "trun_d", GroupID: "tg_1", InputIndex: 2, Status: models.RunStatusQueued},
	} {
		require.NoError(t, storage.UpsertRun(ctx, r))
	}

	runs, err := storage.ListByGroup(ctx, "tg_1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "trun_a", runs[0].RunID)
	assert.Equal(t, "trun_b", runs[1].RunID)
	assert.Equal(t, "trun_d", runs[2].RunID)

	count, err := storage.CountByGroup(ctx, "tg_1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRunStorageDeleteByGroup(t *testing.T) {
	db := newTestDB(t)
	storage := NewRunStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.UpsertRun(ctx, &models.Run{RunID: "trun_1", GroupID: "tg_1", Status: models.RunStatusQueued}))
	require.NoError(t, storage.UpsertRun(ctx, &models.Run{RunID: "trun_2", GroupID: "tg_2", Status: models.RunStatusQueued}))

	require.NoError(t, storage.DeleteByGroup(ctx, "tg_1"))

	count, err := storage.CountByGroup(ctx, "tg_1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Other groups untouched
	count, err = storage.CountByGroup(ctx, "tg_2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGroupStorageLifecycle(t *testing.T) {
	db := newTestDB(t)
	storage := NewGroupStorage(db, arbor.NewLogger())
	ctx := context.Background()

	now := time.Now()
	active := &models.TaskGroup{
		ID:        "tg_active",
		RemoteID:  "tgroup_remote1",
		APIKey:    "key-1",
		CreatedAt: now,
	}
	require.NoError(t, storage.SaveGroup(ctx, active))

	completedAt := now.Add(-31 * 24 * time.Hour)
	purgeAt := now.Add(-24 * time.Hour)
	expired := &models.TaskGroup{
		ID:          "tg_expired",
		RemoteID:    "tgroup_remote2",
		APIKey:      "key-2",
		CreatedAt:   completedAt,
		CompletedAt: &completedAt,
		PurgeAt:     &purgeAt,
	}
	require.NoError(t, storage.SaveGroup(ctx, expired))

	got, err := storage.GetGroup(ctx, "tg_active")
	require.NoError(t, err)
	assert.Equal(t, "tgroup_remote1", got.RemoteID)
	assert.Equal(t, "key-1", got.APIKey)

	activeGroups, err := storage.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, activeGroups, 1)
	assert.Equal(t, "tg_active", activeGroups[0].ID)

	purgeable, err := storage.ListPurgeable(ctx, now)
	require.NoError(t, err)
	require.Len(t, purgeable, 1)
	assert.Equal(t, "tg_expired", purgeable[0].ID)

	require.NoError(t, storage.DeleteGroup(ctx, "tg_expired"))
	_, err = storage.GetGroup(ctx, "tg_expired")
	assert.True(t, interfaces.IsNotFound(err))

	// Deleting a missing group is not an error
	require.NoError(t, storage.DeleteGroup(ctx, "tg_expired"))
}
