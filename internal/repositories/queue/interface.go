package queue

import (
	"context"
	"time"

	"github.com/cconner2023/medsync/internal/models"
)

// Repository is the durable outbox contract. Entries are drained in
// creation order per owner; scheduling state (retry count, next attempt
// time) lives in the row so it survives restarts.
type Repository interface {
	// Enqueue inserts a new pending entry. The table name must already
	// be allow-listed by the caller.
	Enqueue(ctx context.Context, e *models.MutationQueueEntry) error

	// GetDue lists pending entries whose next attempt time has passed,
	// oldest-created first, capped at limit.
	GetDue(ctx context.Context, userID string, now time.Time, limit int) ([]models.MutationQueueEntry, error)

	// Reschedule records a failed attempt and pushes the entry's next
	// attempt into the future.
	Reschedule(ctx context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error

	// MarkFailed transitions an entry to failed after the retry cap.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// Delete removes an entry after the remote store acknowledged it.
	Delete(ctx context.Context, id string) error

	// CountByStatus reports how many of the user's entries are in a state.
	CountByStatus(ctx context.Context, userID string, st models.QueueStatus) (int, error)

	// GetByStatus lists the user's entries in a state, oldest first.
	GetByStatus(ctx context.Context, userID string, st models.QueueStatus) ([]models.MutationQueueEntry, error)

	// PurgeByUser drops all of a user's entries (sign-out teardown).
	PurgeByUser(ctx context.Context, userID string) error
}
