package notes

import (
	"context"
	"time"

	"github.com/cconner2023/medsync/internal/models"
)

// Repository is the local store contract for notes. All mutation paths in
// the engine (optimistic write, reconciliation merge, realtime merge) go
// through Upsert so the soft-delete and sync-status invariants hold
// everywhere.
type Repository interface {
	// Upsert inserts or fully replaces a note by id.
	Upsert(ctx context.Context, n *models.Note) error

	// GetByID returns a note regardless of its deleted state, or
	// common.ErrNotFound.
	GetByID(ctx context.Context, id string) (*models.Note, error)

	// GetByUser lists a user's notes newest-first by update time.
	// Soft-deleted notes are excluded unless includeDeleted is set.
	GetByUser(ctx context.Context, userID string, includeDeleted bool) ([]models.Note, error)

	// GetShared lists live notes visible to a clinic that were authored
	// by someone other than excludeUserID.
	GetShared(ctx context.Context, clinicID, excludeUserID string) ([]models.Note, error)

	// GetPending lists the user's notes awaiting sync, oldest-first.
	GetPending(ctx context.Context, userID string) ([]models.Note, error)

	// SetSyncStatus updates only the sync metadata of a note.
	SetSyncStatus(ctx context.Context, id string, st models.SyncStatus, lastError string) error

	// SoftDelete stamps deleted_at, hiding the note from live queries.
	SoftDelete(ctx context.Context, id string, at time.Time) error

	// HardDelete physically removes the row.
	HardDelete(ctx context.Context, id string) error

	// CountBySyncStatus reports how many of the user's notes are in the
	// given state (feeds the pending/error badge).
	CountBySyncStatus(ctx context.Context, userID string, st models.SyncStatus) (int, error)
}
