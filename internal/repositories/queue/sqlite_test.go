package queue

import (
	"context"
	"database/sql"
	"encoding/json"
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
CREATE TABLE mutation_queue (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  action TEXT NOT NULL,
  table_name TEXT NOT NULL,
  record_id TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  next_attempt_at INTEGER NOT NULL DEFAULT 0
);
`)
	require.NoError(t, err)
	return db
}

func entry(id, userID string, created time.Time) *models.MutationQueueEntry {
	return &models.MutationQueueEntry{
		ID:        id,
		UserID:    userID,
		Action:    models.ActionCreate,
		Table:     models.TableNotes,
		RecordID:  "rec-" + id,
		Payload:   json.RawMessage(`{"id":"rec-` + id + `"}`),
		CreatedAt: created,
		Status:    models.QueuePending,
	}
}

func TestEnqueueAndGetDue_CreationOrder(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, r.Enqueue(ctx, entry("b", "u1", now)))
	require.NoError(t, r.Enqueue(ctx, entry("a", "u1", now.Add(-time.Minute))))
	require.NoError(t, r.Enqueue(ctx, entry("other", "u2", now)))

	due, err := r.GetDue(ctx, "u1", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
	assert.Equal(t, models.ActionCreate, due[0].Action)
	assert.JSONEq(t, `{"id":"rec-a"}`, string(due[0].Payload))
}

func TestGetDue_BatchCapAndSchedule(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Enqueue(ctx, entry(id, "u1", now)))
	}

	// cap applies
	due, err := r.GetDue(ctx, "u1", now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	// rescheduled into the future => no longer due
	require.NoError(t, r.Reschedule(ctx, "a", 1, "network down", now.Add(time.Hour)))
	due, err = r.GetDue(ctx, "u1", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	for _, e := range due {
		assert.NotEqual(t, "a", e.ID)
	}

	// due again once the clock passes next_attempt_at
	due, err = r.GetDue(ctx, "u1", now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 3)
	for _, e := range due {
		if e.ID == "a" {
			assert.Equal(t, 1, e.RetryCount)
			assert.Equal(t, "network down", e.LastError)
		}
	}
}

func TestMarkFailed_ExcludedFromDue(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, r.Enqueue(ctx, entry("a", "u1", now)))
	require.NoError(t, r.MarkFailed(ctx, "a", "gave up"))

	due, err := r.GetDue(ctx, "u1", now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	failed, err := r.GetByStatus(ctx, "u1", models.QueueFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "gave up", failed[0].LastError)

	n, err := r.CountByStatus(ctx, "u1", models.QueueFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteAndPurge(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, r.Enqueue(ctx, entry("a", "u1", now)))
	require.NoError(t, r.Enqueue(ctx, entry("b", "u1", now)))

	require.NoError(t, r.Delete(ctx, "a"))
	require.NoError(t, r.Delete(ctx, "a")) // idempotent

	require.NoError(t, r.PurgeByUser(ctx, "u1"))
	n, err := r.CountByStatus(ctx, "u1", models.QueuePending)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRescheduleMissing(t *testing.T) {
	db := setupDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()

	err := r.Reschedule(ctx, "nope", 1, "x", time.Now())
	require.ErrorIs(t, err, common.ErrNotFound)
	require.ErrorIs(t, r.MarkFailed(ctx, "nope", "x"), common.ErrNotFound)
}
