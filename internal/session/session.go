// Package session assembles the sync stack for one signed-in user: local
// store, keyring, mutation engine, reconciler, realtime feed, and the
// connectivity monitor that ties them together.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cconner2023/medsync/internal/cryptox"
	"github.com/cconner2023/medsync/internal/filex"
	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/realtime"
	"github.com/cconner2023/medsync/internal/reconcile"
	"github.com/cconner2023/medsync/internal/remote"
	"github.com/cconner2023/medsync/internal/storage"
	"github.com/cconner2023/medsync/internal/syncengine"
)

// Options configures a session.
type Options struct {
	// DatabaseDSN locates the local SQLite store.
	DatabaseDSN string

	// KeyCachePath locates the persistent clinic-key cache. Empty
	// disables it; keys are then held in memory only.
	KeyCachePath string

	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration

	Sync      syncengine.Config
	Reconcile reconcile.Config
}

// Session is one user's assembled sync stack.
type Session struct {
	UserID   string
	ClinicID string

	Repos        *storage.Repositories
	Keys         *cryptox.Keyring
	Engine       *syncengine.Engine
	Reconciler   *reconcile.Reconciler
	Subscription *realtime.Subscription
	Monitor      *syncengine.Monitor

	keyCache *cryptox.KeyCache
	log      logging.Logger
	cancel   context.CancelFunc
}

// Start opens the local store, builds the stack, kicks off a best-effort
// initial sync, and begins monitoring connectivity. It succeeds even when
// offline; sync and the realtime feed come up on the first successful
// probe.
func Start(ctx context.Context, userID, clinicID string, store remote.Store, opts Options, log logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.Default()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}

	if _, err := filex.EnsureParentDir(opts.DatabaseDSN); err != nil {
		return nil, err
	}
	repos, err := storage.InitDatabase(ctx, opts.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	var keyCache *cryptox.KeyCache
	if opts.KeyCachePath != "" {
		if _, err := filex.EnsureParentDir(opts.KeyCachePath); err != nil {
			_ = repos.Close()
			return nil, err
		}
		keyCache, err = cryptox.OpenKeyCache(opts.KeyCachePath)
		if err != nil {
			_ = repos.Close()
			return nil, fmt.Errorf("open key cache: %w", err)
		}
	}

	keys, err := cryptox.NewKeyring(store, keyCache, log)
	if err != nil {
		if keyCache != nil {
			_ = keyCache.Close()
		}
		_ = repos.Close()
		return nil, err
	}

	s := &Session{
		UserID:   userID,
		ClinicID: clinicID,
		Repos:    repos,
		Keys:     keys,
		keyCache: keyCache,
		log:      log.With("component", "session", "owner", userID),
	}
	s.Engine = syncengine.New(repos.DB, store, keys, opts.Sync, log)
	s.Reconciler = reconcile.New(repos.DB, store, s.Engine, opts.Reconcile, log)
	s.Subscription = realtime.NewSubscription(repos.DB, store, keys, s.Reconciler, userID, clinicID, log)
	s.Monitor = syncengine.NewMonitor(store, opts.ProbeInterval, s.onOnline, log)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.Monitor.Run(runCtx)

	return s, nil
}

// onOnline runs on every offline-to-online transition: catch up with a
// full sync and bring the realtime feed up if it is not running. Failures
// are logged and retried on the next transition.
func (s *Session) onOnline(ctx context.Context) {
	if _, err := s.Reconciler.FullSync(ctx, s.UserID, s.ClinicID); err != nil {
		s.log.Warn(ctx, "full sync after reconnect failed", "error", err)
		return
	}
	if s.Subscription.State() == realtime.StateUnsubscribed {
		if err := s.Subscription.Start(ctx); err != nil {
			s.log.Warn(ctx, "realtime subscription failed", "error", err)
		}
	}
}

// SyncNow triggers an immediate queue drain, the explicit counterpart of
// the connectivity-driven cycles.
func (s *Session) SyncNow(ctx context.Context) error {
	return s.Engine.SyncCycle(ctx, s.UserID)
}

// SetForeground forwards app lifecycle transitions to the realtime feed.
func (s *Session) SetForeground(ctx context.Context, foreground bool) error {
	return s.Subscription.SetForeground(ctx, foreground)
}

// Close shuts the stack down without discarding local data. App exit.
func (s *Session) Close() error {
	s.cancel()
	s.Subscription.Stop()
	if s.keyCache != nil {
		_ = s.keyCache.Close()
	}
	return s.Repos.Close()
}

// Teardown is the sign-out path: stop everything, drop the user's queue
// entries, and wipe every cached clinic key, then close the store.
func (s *Session) Teardown(ctx context.Context) error {
	s.cancel()
	s.Subscription.Stop()

	if err := s.Engine.Purge(ctx, s.UserID); err != nil {
		return fmt.Errorf("purge queue: %w", err)
	}
	if err := s.Keys.Purge(); err != nil {
		return fmt.Errorf("purge keys: %w", err)
	}
	if s.keyCache != nil {
		if err := s.keyCache.Close(); err != nil {
			return fmt.Errorf("close key cache: %w", err)
		}
	}
	return s.Repos.Close()
}
