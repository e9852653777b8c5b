// Package syncengine owns the mutation queue: it performs optimistic local
// writes, enqueues outbox entries, and drains them to the remote store with
// retry bookkeeping and exponential backoff.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/cryptox"
	"github.com/cconner2023/medsync/internal/dbx"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/models"
	"github.com/cconner2023/medsync/internal/remote"
	"github.com/cconner2023/medsync/internal/repositories/completions"
	"github.com/cconner2023/medsync/internal/repositories/notes"
	"github.com/cconner2023/medsync/internal/repositories/queue"
)

// Config tunes the queue drain.
type Config struct {
	// BatchSize caps how many entries one cycle pushes.
	BatchSize int

	// MaxRetries is the per-entry retry cap; exceeding it marks the
	// entry failed and the record errored.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential backoff schedule.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:  25,
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Engine is the mutation queue processor. UI-facing writes go through its
// Create/Update/Delete methods, which commit locally and enqueue in one
// transaction; SyncCycle drains the queue opportunistically.
type Engine struct {
	db     *sql.DB
	remote remote.Store
	keys   *cryptox.Keyring
	cfg    Config
	log    logging.Logger

	backoff Backoff
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
	rerun   map[string]bool
}

// New builds an engine over the record database.
func New(db *sql.DB, store remote.Store, keys *cryptox.Keyring, cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Engine{
		db:      db,
		remote:  store,
		keys:    keys,
		cfg:     cfg,
		log:     log.With("component", "syncengine"),
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		now:     func() time.Time { return time.Now().UTC() },
		running: map[string]bool{},
		rerun:   map[string]bool{},
	}
}

// enqueue validates the target table and inserts the outbox entry. The
// allow-list check is a security boundary, so it fires before anything is
// persisted and never reaches the network.
func (e *Engine) enqueue(ctx context.Context, tx dbx.DBTX, entry *models.MutationQueueEntry) error {
	if !models.TableAllowed(entry.Table) {
		return fmt.Errorf("%w: %q", common.ErrTableNotAllowed, entry.Table)
	}
	return queue.NewSQLiteRepository(tx).Enqueue(ctx, entry)
}

func (e *Engine) newEntry(userID string, action models.Action, table, recordID string, payload any) (*models.MutationQueueEntry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation payload: %w", err)
	}
	return &models.MutationQueueEntry{
		ID:        newID(),
		UserID:    userID,
		Action:    action,
		Table:     table,
		RecordID:  recordID,
		Payload:   body,
		CreatedAt: e.now(),
		Status:    models.QueuePending,
	}, nil
}

// CreateNote commits a new note locally with sync_status = pending and
// enqueues the remote create. Phase 1 of the two-phase write: the caller
// gets the final id immediately; the remote push happens in the background.
func (e *Engine) CreateNote(ctx context.Context, n *models.Note) error {
	now := e.now()
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now
	n.SyncMeta = models.SyncMeta{SyncStatus: models.SyncStatusPending}

	if err := e.keys.EncryptNote(ctx, n); err != nil {
		return fmt.Errorf("encrypt note: %w", err)
	}

	entry, err := e.newEntry(n.UserID, models.ActionCreate, models.TableNotes, n.ID, n.ToRow())
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := notes.NewSQLiteRepository(tx).Upsert(ctx, n); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// UpdateNote commits an edit locally and enqueues the remote update.
func (e *Engine) UpdateNote(ctx context.Context, n *models.Note) error {
	n.UpdatedAt = e.now()
	n.SyncMeta = models.SyncMeta{SyncStatus: models.SyncStatusPending}

	if err := e.keys.EncryptNote(ctx, n); err != nil {
		return fmt.Errorf("encrypt note: %w", err)
	}

	entry, err := e.newEntry(n.UserID, models.ActionUpdate, models.TableNotes, n.ID, n.ToRow())
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := notes.NewSQLiteRepository(tx).Upsert(ctx, n); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// DeleteNote soft-deletes locally and enqueues the remote delete. The row
// is physically removed once the remote store acknowledges.
func (e *Engine) DeleteNote(ctx context.Context, userID, id string) error {
	entry, err := e.newEntry(userID, models.ActionDelete, models.TableNotes, id,
		map[string]string{"id": id})
	if err != nil {
		return err
	}
	now := e.now()
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := notes.NewSQLiteRepository(tx).SoftDelete(ctx, id, now); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// CreateCompletion validates, commits locally, and enqueues the remote
// create.
func (e *Engine) CreateCompletion(ctx context.Context, c *models.TrainingCompletion) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := e.now()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	c.SyncMeta = models.SyncMeta{SyncStatus: models.SyncStatusPending}

	row, err := c.ToRow()
	if err != nil {
		return err
	}
	entry, err := e.newEntry(c.UserID, models.ActionCreate, models.TableCompletions, c.ID, row)
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := completions.NewSQLiteRepository(tx).Upsert(ctx, c); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// UpdateCompletion commits an edit locally and enqueues the remote update.
func (e *Engine) UpdateCompletion(ctx context.Context, c *models.TrainingCompletion) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = e.now()
	c.SyncMeta = models.SyncMeta{SyncStatus: models.SyncStatusPending}

	row, err := c.ToRow()
	if err != nil {
		return err
	}
	entry, err := e.newEntry(c.UserID, models.ActionUpdate, models.TableCompletions, c.ID, row)
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := completions.NewSQLiteRepository(tx).Upsert(ctx, c); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// DeleteCompletion removes the record locally and enqueues the remote
// delete.
func (e *Engine) DeleteCompletion(ctx context.Context, userID, id string) error {
	entry, err := e.newEntry(userID, models.ActionDelete, models.TableCompletions, id,
		map[string]string{"id": id})
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := completions.NewSQLiteRepository(tx).HardDelete(ctx, id); err != nil {
			return err
		}
		return e.enqueue(ctx, tx, entry)
	})
}

// SyncCycle drains the user's due queue entries. At most one cycle runs
// per owner: a trigger arriving while a cycle is in flight coalesces into
// one trailing rerun instead of starting a second cycle.
func (e *Engine) SyncCycle(ctx context.Context, userID string) error {
	if !e.claim(userID) {
		return nil
	}
	defer e.release(userID)

	for {
		if err := e.processBatch(ctx, userID); err != nil {
			return err
		}
		if !e.consumeRerun(userID) {
			return nil
		}
	}
}

func (e *Engine) claim(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[userID] {
		e.rerun[userID] = true
		return false
	}
	e.running[userID] = true
	return true
}

func (e *Engine) release(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, userID)
}

func (e *Engine) consumeRerun(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rerun[userID] {
		delete(e.rerun, userID)
		return true
	}
	return false
}

func (e *Engine) processBatch(ctx context.Context, userID string) error {
	entries, err := queue.NewSQLiteRepository(e.db).GetDue(ctx, userID, e.now(), e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load due entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	e.log.Debug(ctx, "draining mutation queue", "owner", userID, "entries", len(entries))
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.pushEntry(ctx, &entries[i])
	}
	return nil
}

// pushEntry pushes one outbox entry. Failures are recorded on the entry
// itself; they never abort the rest of the batch.
func (e *Engine) pushEntry(ctx context.Context, entry *models.MutationQueueEntry) {
	if !models.TableAllowed(entry.Table) {
		// defense in depth: enqueue already rejects this
		e.fail(ctx, entry, fmt.Errorf("%w: %q", common.ErrTableNotAllowed, entry.Table))
		return
	}

	if err := e.callRemote(ctx, entry); err != nil {
		// a payload that cannot be decoded will never succeed, so it
		// fails immediately instead of burning through the retry budget
		if errors.Is(err, common.ErrBadPayload) {
			e.fail(ctx, entry, err)
			return
		}
		e.handleFailure(ctx, entry, err)
		return
	}
	e.acknowledge(ctx, entry)
}

func (e *Engine) callRemote(ctx context.Context, entry *models.MutationQueueEntry) error {
	switch entry.Table {
	case models.TableNotes:
		if entry.Action == models.ActionDelete {
			return e.remote.DeleteNote(ctx, entry.RecordID)
		}
		var row models.NoteRow
		if err := json.Unmarshal(entry.Payload, &row); err != nil {
			return fmt.Errorf("%w: decode note row: %v", common.ErrBadPayload, err)
		}
		return e.remote.UpsertNote(ctx, &row)
	case models.TableCompletions:
		if entry.Action == models.ActionDelete {
			return e.remote.DeleteCompletion(ctx, entry.RecordID)
		}
		var row models.CompletionRow
		if err := json.Unmarshal(entry.Payload, &row); err != nil {
			return fmt.Errorf("%w: decode completion row: %v", common.ErrBadPayload, err)
		}
		return e.remote.UpsertCompletion(ctx, &row)
	default:
		return fmt.Errorf("%w: %q", common.ErrTableNotAllowed, entry.Table)
	}
}

// acknowledge removes the entry and settles the record after a confirmed
// remote write. An acknowledged note delete is hard-deleted locally so it
// cannot resurface.
func (e *Engine) acknowledge(ctx context.Context, entry *models.MutationQueueEntry) {
	err := dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := queue.NewSQLiteRepository(tx).Delete(ctx, entry.ID); err != nil {
			return err
		}
		switch {
		case entry.Table == models.TableNotes && entry.Action == models.ActionDelete:
			return notes.NewSQLiteRepository(tx).HardDelete(ctx, entry.RecordID)
		case entry.Table == models.TableNotes:
			return ignoreNotFound(notes.NewSQLiteRepository(tx).SetSyncStatus(ctx,
				entry.RecordID, models.SyncStatusSynced, ""))
		case entry.Table == models.TableCompletions && entry.Action == models.ActionDelete:
			return nil // already removed locally
		default:
			return ignoreNotFound(completions.NewSQLiteRepository(tx).SetSyncStatus(ctx,
				entry.RecordID, models.SyncStatusSynced, ""))
		}
	})
	if err != nil {
		e.log.Error(ctx, "failed to settle acknowledged entry",
			"entry_id", entry.ID, "record_id", entry.RecordID, "error", err)
		return
	}
	e.log.Debug(ctx, "mutation acknowledged", "record_id", entry.RecordID, "action", entry.Action)
}

func (e *Engine) handleFailure(ctx context.Context, entry *models.MutationQueueEntry, pushErr error) {
	retryCount := entry.RetryCount + 1
	if retryCount > e.cfg.MaxRetries {
		e.fail(ctx, entry, pushErr)
		return
	}

	next := e.now().Add(e.backoff.Delay(retryCount))
	if err := queue.NewSQLiteRepository(e.db).Reschedule(ctx, entry.ID, retryCount, pushErr.Error(), next); err != nil {
		e.log.Error(ctx, "failed to reschedule entry", "entry_id", entry.ID, "error", err)
		return
	}
	e.log.Debug(ctx, "mutation rescheduled",
		"record_id", entry.RecordID, "retry_count", retryCount, "next_attempt", next, "error", pushErr)
}

// fail marks the entry permanently failed and surfaces the error on the
// record's sync status.
func (e *Engine) fail(ctx context.Context, entry *models.MutationQueueEntry, cause error) {
	err := dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := queue.NewSQLiteRepository(tx).MarkFailed(ctx, entry.ID, cause.Error()); err != nil {
			return err
		}
		switch entry.Table {
		case models.TableNotes:
			return ignoreNotFound(notes.NewSQLiteRepository(tx).SetSyncStatus(ctx,
				entry.RecordID, models.SyncStatusError, cause.Error()))
		case models.TableCompletions:
			return ignoreNotFound(completions.NewSQLiteRepository(tx).SetSyncStatus(ctx,
				entry.RecordID, models.SyncStatusError, cause.Error()))
		}
		return nil
	})
	if err != nil {
		e.log.Error(ctx, "failed to mark entry failed", "entry_id", entry.ID, "error", err)
		return
	}
	e.log.Warn(ctx, "mutation gave up",
		"record_id", entry.RecordID, "action", entry.Action, "error", cause)
}

// Counts reports the user's pending and failed totals for the sync badge.
func (e *Engine) Counts(ctx context.Context, userID string) (pending, failed int, err error) {
	q := queue.NewSQLiteRepository(e.db)
	pending, err = q.CountByStatus(ctx, userID, models.QueuePending)
	if err != nil {
		return 0, 0, err
	}
	failed, err = q.CountByStatus(ctx, userID, models.QueueFailed)
	if err != nil {
		return 0, 0, err
	}
	return pending, failed, nil
}

// Purge drops the user's queue entries (sign-out teardown).
func (e *Engine) Purge(ctx context.Context, userID string) error {
	return queue.NewSQLiteRepository(e.db).PurgeByUser(ctx, userID)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}
