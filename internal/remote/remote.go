// Package remote defines the contract for the shared remote store. The
// real transport lives outside this module; the engine only depends on
// this interface. An in-memory implementation is provided for tests and
// local runs.
package remote

import (
	"context"

	"github.com/cconner2023/medsync/internal/models"
)

// Filter narrows a query or a change-feed subscription. Zero-value fields
// are ignored; the remote store applies the equality filters server-side.
type Filter struct {
	UserID        string
	ClinicID      string
	ExcludeUserID string
}

// Store is the remote store client: row CRUD, query-by-filter, clinic key
// storage, and a realtime change-feed subscription.
type Store interface {
	// Ping reports reachability; it backs the connectivity monitor.
	Ping(ctx context.Context) error

	UpsertNote(ctx context.Context, row *models.NoteRow) error
	DeleteNote(ctx context.Context, id string) error
	QueryNotes(ctx context.Context, f Filter) ([]models.NoteRow, error)

	UpsertCompletion(ctx context.Context, row *models.CompletionRow) error
	DeleteCompletion(ctx context.Context, id string) error
	QueryCompletions(ctx context.Context, f Filter) ([]models.CompletionRow, error)

	FetchClinicKey(ctx context.Context, clinicID string) (string, error)
	StoreClinicKey(ctx context.Context, clinicID, encoded string) error

	// Subscribe opens a change feed matching the filter. The returned
	// cancel func closes the feed and releases the channel.
	Subscribe(ctx context.Context, f Filter) (<-chan models.ChangeEvent, func(), error)
}
