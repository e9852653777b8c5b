// Package realtime maintains the live change-feed subscription and an
// in-memory view of the notes it keeps current.
package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/cconner2023/medsync/internal/cryptox"
	"github.com/cconner2023/medsync/internal/dbx"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/models"
	"github.com/cconner2023/medsync/internal/reconcile"
	"github.com/cconner2023/medsync/internal/remote"
	"github.com/cconner2023/medsync/internal/repositories/notes"
)

// State is the subscription lifecycle phase.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StatePaused       State = "paused"
)

// Subscription owns one user's change-feed connection. While subscribed it
// merges incoming events through the reconciliation rules and keeps a
// decrypted newest-first snapshot of the visible notes. Backgrounding the
// app pauses the feed; foregrounding resumes it behind a catch-up full
// sync, so changes missed while paused are never lost.
type Subscription struct {
	db         *sql.DB
	remote     remote.Store
	keys       *cryptox.Keyring
	reconciler *reconcile.Reconciler
	userID     string
	clinicID   string
	log        logging.Logger

	// OnChange, when set before Start, is called after every applied
	// event. UI refresh hook.
	OnChange func()

	mu     sync.Mutex
	state  State
	cancel func()
	view   []models.Note
}

func NewSubscription(db *sql.DB, store remote.Store, keys *cryptox.Keyring,
	reconciler *reconcile.Reconciler, userID, clinicID string, log logging.Logger) *Subscription {
	if log == nil {
		log = logging.Default()
	}
	return &Subscription{
		db:         db,
		remote:     store,
		keys:       keys,
		reconciler: reconciler,
		userID:     userID,
		clinicID:   clinicID,
		log:        log.With("component", "realtime", "owner", userID),
		state:      StateUnsubscribed,
	}
}

// State reports the current lifecycle phase.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the current snapshot, newest update first.
func (s *Subscription) View() []models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Note, len(s.view))
	copy(out, s.view)
	return out
}

// Start opens the change feed and primes the snapshot from the local
// store.
func (s *Subscription) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnsubscribed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("subscription already %s", state)
	}
	s.state = StateSubscribing
	s.mu.Unlock()

	if err := s.refreshView(ctx); err != nil {
		s.setState(StateUnsubscribed)
		return err
	}
	if err := s.subscribe(ctx); err != nil {
		s.setState(StateUnsubscribed)
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// SetForeground pauses the feed when the app backgrounds and resumes it,
// behind a catch-up full sync, when it returns.
func (s *Subscription) SetForeground(ctx context.Context, foreground bool) error {
	if !foreground {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateSubscribed {
			return nil
		}
		s.cancel()
		s.cancel = nil
		s.state = StatePaused
		s.log.Debug(ctx, "subscription paused")
		return nil
	}

	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	s.state = StateSubscribing
	s.mu.Unlock()

	if _, err := s.reconciler.FullSync(ctx, s.userID, s.clinicID); err != nil {
		s.setState(StatePaused)
		return fmt.Errorf("catch-up sync: %w", err)
	}
	if err := s.refreshView(ctx); err != nil {
		s.setState(StatePaused)
		return err
	}
	if err := s.subscribe(ctx); err != nil {
		s.setState(StatePaused)
		return fmt.Errorf("resubscribe: %w", err)
	}
	s.log.Debug(ctx, "subscription resumed")
	return nil
}

// Stop tears the subscription down.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = StateUnsubscribed
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Subscription) subscribe(ctx context.Context) error {
	ch, cancel, err := s.remote.Subscribe(ctx, remote.Filter{
		UserID:   s.userID,
		ClinicID: s.clinicID,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateSubscribed
	s.mu.Unlock()

	go s.pump(ctx, ch)
	return nil
}

// pump drains the feed until the channel closes (pause, stop) or the
// context ends.
func (s *Subscription) pump(ctx context.Context, ch <-chan models.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := s.apply(ctx, event); err != nil {
				s.log.Warn(ctx, "failed to apply change event",
					"table", event.Table, "type", event.Type, "error", err)
			}
		}
	}
}

// apply merges one event into the local store and refreshes the snapshot.
// Events for tables the engine does not sync are dropped.
func (s *Subscription) apply(ctx context.Context, event models.ChangeEvent) error {
	if !models.TableAllowed(event.Table) {
		s.log.Warn(ctx, "dropping event for unknown table", "table", event.Table)
		return nil
	}

	var applied bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		applied, err = mergeEvent(ctx, tx, event)
		return err
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := s.refreshView(ctx); err != nil {
		return err
	}
	if s.OnChange != nil {
		s.OnChange()
	}
	return nil
}

func mergeEvent(ctx context.Context, tx dbx.DBTX, event models.ChangeEvent) (bool, error) {
	switch event.Table {
	case models.TableNotes:
		if event.Type == models.EventDelete {
			id, err := event.OldID()
			if err != nil {
				return false, err
			}
			return reconcile.MergeNoteDelete(ctx, tx, id)
		}
		row, err := event.NoteRow()
		if err != nil {
			return false, err
		}
		return reconcile.MergeNote(ctx, tx, row)
	case models.TableCompletions:
		if event.Type == models.EventDelete {
			id, err := event.OldID()
			if err != nil {
				return false, err
			}
			return reconcile.MergeCompletionDelete(ctx, tx, id)
		}
		row, err := event.CompletionRow()
		if err != nil {
			return false, err
		}
		return reconcile.MergeCompletion(ctx, tx, row)
	}
	return false, nil
}

// refreshView rebuilds the snapshot from the local store: the user's own
// live notes plus the clinic's shared ones, decrypted, newest update
// first.
func (s *Subscription) refreshView(ctx context.Context) error {
	repo := notes.NewSQLiteRepository(s.db)

	own, err := repo.GetByUser(ctx, s.userID, false)
	if err != nil {
		return fmt.Errorf("load own notes: %w", err)
	}
	view := own
	if s.clinicID != "" {
		shared, err := repo.GetShared(ctx, s.clinicID, s.userID)
		if err != nil {
			return fmt.Errorf("load shared notes: %w", err)
		}
		view = append(view, shared...)
	}

	for i := range view {
		s.keys.DecryptNote(ctx, &view[i])
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].UpdatedAt.After(view[j].UpdatedAt)
	})

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
	return nil
}
