package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/cconner2023/medsync/internal/logging"
	"github.com/cconner2023/medsync/internal/remote"
)

// Monitor probes the remote store at a fixed interval and fires a callback
// on every offline-to-online transition, the trigger for opportunistic
// sync cycles. It starts out assuming offline, so the first successful
// probe after start also fires.
type Monitor struct {
	remote   remote.Store
	interval time.Duration
	onOnline func(context.Context)
	log      logging.Logger

	mu     sync.Mutex
	online bool
}

func NewMonitor(store remote.Store, interval time.Duration, onOnline func(context.Context), log logging.Logger) *Monitor {
	if log == nil {
		log = logging.Default()
	}
	return &Monitor{
		remote:   store,
		interval: interval,
		onOnline: onOnline,
		log:      log.With("component", "monitor"),
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe performs one connectivity check and fires the callback when the
// state flips from offline to online.
func (m *Monitor) Probe(ctx context.Context) {
	err := m.remote.Ping(ctx)

	m.mu.Lock()
	wasOnline := m.online
	m.online = err == nil
	nowOnline := m.online
	m.mu.Unlock()

	if nowOnline && !wasOnline {
		m.log.Info(ctx, "connectivity restored")
		if m.onOnline != nil {
			m.onOnline(ctx)
		}
	}
	if !nowOnline && wasOnline {
		m.log.Info(ctx, "connectivity lost", "error", err)
	}
}

// Run probes until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
