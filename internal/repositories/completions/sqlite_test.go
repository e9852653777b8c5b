package completions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/models"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE training_completions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  training_item_id TEXT NOT NULL,
  completed INTEGER NOT NULL DEFAULT 0,
  completed_at INTEGER NOT NULL DEFAULT 0,
  completion_type TEXT NOT NULL DEFAULT 'read',
  result TEXT NOT NULL DEFAULT '',
  supervisor_id TEXT NOT NULL DEFAULT '',
  step_results TEXT,
  supervisor_notes TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL DEFAULT 0,
  sync_status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT ''
);
`)
	require.NoError(t, err)
	return db
}

func sampleCompletion(id, userID string) *models.TrainingCompletion {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.TrainingCompletion{
		ID:             id,
		UserID:         userID,
		TrainingItemID: "item-1",
		Completed:      true,
		CompletedAt:    now,
		CompletionType: models.CompletionTest,
		Result:         models.ResultGo,
		SupervisorID:   "sup-1",
		StepResults: []models.StepResult{
			{StepID: "s1", Result: models.ResultGo},
			{StepID: "s2", Result: models.ResultNoGo},
		},
		SupervisorNotes: "steady hands",
		CreatedAt:       now,
		UpdatedAt:       now,
		SyncMeta:        models.SyncMeta{SyncStatus: models.SyncStatusPending},
	}
}

func TestUpsert_RoundTrip(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	c := sampleCompletion("tc1", "u1")
	require.NoError(t, r.Upsert(ctx, c))

	got, err := r.GetByID(ctx, "tc1")
	require.NoError(t, err)
	assert.Equal(t, c.StepResults, got.StepResults)
	assert.Equal(t, models.CompletionTest, got.CompletionType)
	assert.Equal(t, models.ResultGo, got.Result)
	assert.Equal(t, c.CompletedAt, got.CompletedAt)

	// read completions carry no step results
	read := sampleCompletion("tc2", "u1")
	read.CompletionType = models.CompletionRead
	read.SupervisorID = ""
	read.StepResults = nil
	require.NoError(t, r.Upsert(ctx, read))

	got, err = r.GetByID(ctx, "tc2")
	require.NoError(t, err)
	assert.Nil(t, got.StepResults)
}

func TestGetPendingAndStatus(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	a := sampleCompletion("a", "u1")
	b := sampleCompletion("b", "u1")
	b.SyncStatus = models.SyncStatusSynced
	require.NoError(t, r.Upsert(ctx, a))
	require.NoError(t, r.Upsert(ctx, b))

	pending, err := r.GetPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	require.NoError(t, r.SetSyncStatus(ctx, "a", models.SyncStatusError, "boom"))
	n, err := r.CountBySyncStatus(ctx, "u1", models.SyncStatusError)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.ErrorIs(t, r.SetSyncStatus(ctx, "zzz", models.SyncStatusSynced, ""), common.ErrNotFound)
}

func TestHardDelete(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, sampleCompletion("x", "u1")))
	require.NoError(t, r.HardDelete(ctx, "x"))
	_, err := r.GetByID(ctx, "x")
	require.ErrorIs(t, err, common.ErrNotFound)
}
