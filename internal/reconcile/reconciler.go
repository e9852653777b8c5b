// Package reconcile implements the full synchronization pass: drain the
// outbox, pull the user's remote records, and merge them into the local
// store under last-write-wins with pending-write protection.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/dbx"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/models"
	"github.com/cconner2023/medsync/internal/remote"
	"github.com/cconner2023/medsync/internal/repositories/completions"
	"github.com/cconner2023/medsync/internal/repositories/notes"
	"github.com/cconner2023/medsync/internal/syncengine"
)

// Config tunes the pull phase. Pull calls retry transient failures with
// exponential backoff before the pass gives up.
type Config struct {
	PullRetries   uint64
	PullBaseDelay time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		PullRetries:   3,
		PullBaseDelay: 500 * time.Millisecond,
	}
}

// Result summarizes one full sync pass.
type Result struct {
	NotesPulled        int
	NotesApplied       int
	CompletionsPulled  int
	CompletionsApplied int
}

// Reconciler runs full sync passes. It reuses the engine for the push
// phase so queue bookkeeping stays in one place.
type Reconciler struct {
	db     *sql.DB
	remote remote.Store
	engine *syncengine.Engine
	cfg    Config
	log    logging.Logger
}

func New(db *sql.DB, store remote.Store, engine *syncengine.Engine, cfg Config, log logging.Logger) *Reconciler {
	if log == nil {
		log = logging.Default()
	}
	if cfg.PullRetries == 0 {
		cfg.PullRetries = DefaultConfig().PullRetries
	}
	if cfg.PullBaseDelay <= 0 {
		cfg.PullBaseDelay = DefaultConfig().PullBaseDelay
	}
	return &Reconciler{
		db:     db,
		remote: store,
		engine: engine,
		cfg:    cfg,
		log:    log.With("component", "reconcile"),
	}
}

// FullSync is the pull+push pass: pull and merge the user's own records,
// drain the outbox, then pull and merge the clinic's shared notes. A pull
// failure aborts the pass with the local store untouched; the next trigger
// retries from scratch. Push failures are handled per entry by the engine
// and never abort the pass.
func (r *Reconciler) FullSync(ctx context.Context, userID, clinicID string) (*Result, error) {
	noteRows, err := r.pullOwnNotes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pull notes: %w", err)
	}
	completionRows, err := r.pullCompletions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pull completions: %w", err)
	}

	res := &Result{
		NotesPulled:       len(noteRows),
		CompletionsPulled: len(completionRows),
	}
	if err := r.mergeRows(ctx, noteRows, completionRows, res); err != nil {
		return nil, err
	}

	if err := r.engine.SyncCycle(ctx, userID); err != nil {
		return nil, fmt.Errorf("drain outbox: %w", err)
	}

	if clinicID != "" {
		shared, err := r.pullSharedNotes(ctx, userID, clinicID)
		if err != nil {
			return nil, fmt.Errorf("pull shared notes: %w", err)
		}
		res.NotesPulled += len(shared)
		if err := r.mergeRows(ctx, shared, nil, res); err != nil {
			return nil, err
		}
	}

	r.log.Info(ctx, "full sync completed", "owner", userID,
		"notes_pulled", res.NotesPulled, "notes_applied", res.NotesApplied,
		"completions_pulled", res.CompletionsPulled, "completions_applied", res.CompletionsApplied)
	return res, nil
}

func (r *Reconciler) mergeRows(ctx context.Context, noteRows []models.NoteRow,
	completionRows []models.CompletionRow, res *Result) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for i := range noteRows {
			applied, err := MergeNote(ctx, tx, &noteRows[i])
			if err != nil {
				return fmt.Errorf("merge note %s: %w", noteRows[i].ID, err)
			}
			if applied {
				res.NotesApplied++
			}
		}
		for i := range completionRows {
			applied, err := MergeCompletion(ctx, tx, &completionRows[i])
			if err != nil {
				return fmt.Errorf("merge completion %s: %w", completionRows[i].ID, err)
			}
			if applied {
				res.CompletionsApplied++
			}
		}
		return nil
	})
}

func (r *Reconciler) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.cfg.PullRetries, retry.NewExponential(r.cfg.PullBaseDelay))
}

func (r *Reconciler) pullOwnNotes(ctx context.Context, userID string) ([]models.NoteRow, error) {
	var rows []models.NoteRow
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		pulled, err := r.remote.QueryNotes(ctx, remote.Filter{UserID: userID})
		if err != nil {
			return retry.RetryableError(err)
		}
		rows = pulled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Reconciler) pullSharedNotes(ctx context.Context, userID, clinicID string) ([]models.NoteRow, error) {
	var rows []models.NoteRow
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		pulled, err := r.remote.QueryNotes(ctx, remote.Filter{
			ClinicID:      clinicID,
			ExcludeUserID: userID,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		rows = pulled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Reconciler) pullCompletions(ctx context.Context, userID string) ([]models.CompletionRow, error) {
	var rows []models.CompletionRow
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		pulled, err := r.remote.QueryCompletions(ctx, remote.Filter{UserID: userID})
		if err != nil {
			return retry.RetryableError(err)
		}
		rows = pulled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MergeNote applies one pulled row. Local records with unsent changes
// (sync_status pending) are never overwritten; a record whose last push
// gave up still accepts remote copies, so an edit stranded in the error
// state cannot block newer writes from other devices. A remote tombstone
// hard-deletes the settled local copy; otherwise the newer update time
// wins, ties going to remote. The realtime feed applies its events
// through the same rules.
func MergeNote(ctx context.Context, tx dbx.DBTX, row *models.NoteRow) (bool, error) {
	repo := notes.NewSQLiteRepository(tx)

	local, err := repo.GetByID(ctx, row.ID)
	if errors.Is(err, common.ErrNotFound) {
		if row.DeletedAt != nil {
			return false, nil // tombstone for a record we never had
		}
		return true, repo.Upsert(ctx, models.NoteFromRow(row))
	}
	if err != nil {
		return false, err
	}

	if local.SyncStatus == models.SyncStatusPending {
		return false, nil
	}
	if row.DeletedAt != nil {
		return true, repo.HardDelete(ctx, row.ID)
	}
	if !models.RemoteWins(row.UpdatedAt, local.UpdatedAt) {
		return false, nil
	}
	return true, repo.Upsert(ctx, models.NoteFromRow(row))
}

// MergeNoteDelete applies a remote deletion known only by id, the shape a
// realtime delete event arrives in. Pending-write protection still holds:
// a record with an unsent local edit survives until the next push settles
// it.
func MergeNoteDelete(ctx context.Context, tx dbx.DBTX, id string) (bool, error) {
	repo := notes.NewSQLiteRepository(tx)

	local, err := repo.GetByID(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if local.SyncStatus == models.SyncStatusPending {
		return false, nil
	}
	return true, repo.HardDelete(ctx, id)
}

// MergeCompletionDelete is MergeNoteDelete for training completions.
func MergeCompletionDelete(ctx context.Context, tx dbx.DBTX, id string) (bool, error) {
	repo := completions.NewSQLiteRepository(tx)

	local, err := repo.GetByID(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if local.SyncStatus == models.SyncStatusPending {
		return false, nil
	}
	return true, repo.HardDelete(ctx, id)
}

func MergeCompletion(ctx context.Context, tx dbx.DBTX, row *models.CompletionRow) (bool, error) {
	repo := completions.NewSQLiteRepository(tx)

	local, err := repo.GetByID(ctx, row.ID)
	if errors.Is(err, common.ErrNotFound) {
		incoming, err := models.CompletionFromRow(row)
		if err != nil {
			return false, err
		}
		return true, repo.Upsert(ctx, incoming)
	}
	if err != nil {
		return false, err
	}

	if local.SyncStatus == models.SyncStatusPending {
		return false, nil
	}
	if !models.RemoteWins(row.UpdatedAt, local.UpdatedAt) {
		return false, nil
	}
	incoming, err := models.CompletionFromRow(row)
	if err != nil {
		return false, err
	}
	return true, repo.Upsert(ctx, incoming)
}
