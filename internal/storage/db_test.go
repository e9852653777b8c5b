package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cconner2023/medsync/internal/migrations"
	"github.com/cconner2023/medsync/internal/models"
)

func TestInitDatabase_CreatesSchema(t *testing.T) {
	ctx := context.Background()

	repos, err := InitDatabase(ctx, filepath.Join(t.TempDir(), "medsync.db"))
	require.NoError(t, err)
	defer func() { _ = repos.Close() }()

	// a write through each repository proves the tables exist
	require.NoError(t, repos.Notes.Upsert(ctx, &models.Note{ID: "n1", UserID: "u1"}))
	require.NoError(t, repos.Completions.Upsert(ctx, &models.TrainingCompletion{
		ID: "c1", UserID: "u1", TrainingItemID: "a1", CompletionType: models.CompletionRead,
	}))

	n, err := repos.Notes.GetByID(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "u1", n.UserID)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "medsync.db")

	repos, err := InitDatabase(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, repos.Close())

	// reopening an already-migrated database must be a no-op
	repos, err = InitDatabase(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, repos.Close())
}

func TestMigrations_AdditiveUpgradeKeepsRows(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "medsync.db")

	// build a database at schema version 2, as an older install would have
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	goose.SetBaseFS(migrations.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.UpToContext(ctx, db, ".", 2))

	_, err = db.ExecContext(ctx,
		`INSERT INTO notes (id, user_id, display_name, sync_status) VALUES ('n1', 'u1', 'old row', 'synced')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO mutation_queue (id, user_id, action, table_name, record_id) VALUES ('q1', 'u1', 'create', 'notes', 'n1')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// upgrading to head must keep the rows and backfill the new column
	repos, err := InitDatabase(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = repos.Close() }()

	n, err := repos.Notes.GetByID(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "old row", n.DisplayName)

	// next_attempt_at defaulted to 0, so the old entry is immediately due
	entries, err := repos.Queue.GetByStatus(ctx, "u1", models.QueuePending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q1", entries[0].ID)
}
