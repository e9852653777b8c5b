// Package storage opens the local record store, applies migrations, and
// bundles the per-entity repositories.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/cconner2023/medsync/internal/migrations"
	"github.com/cconner2023/medsync/internal/repositories/completions"
	"github.com/cconner2023/medsync/internal/repositories/notes"
	"github.com/cconner2023/medsync/internal/repositories/queue"
)

// Repositories groups the engine's local stores over one database handle.
type Repositories struct {
	Notes       notes.Repository
	Completions completions.Repository
	Queue       queue.Repository

	DB *sql.DB
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens (or creates) the SQLite database at dsn, migrates the
// schema, and returns repositories bound to it.
func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repositories{
		Notes:       notes.NewSQLiteRepository(db),
		Completions: completions.NewSQLiteRepository(db),
		Queue:       queue.NewSQLiteRepository(db),
		DB:          db,
	}, nil
}

// Close releases the underlying database handle.
func (r *Repositories) Close() error {
	return r.DB.Close()
}
