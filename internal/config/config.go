// Package config loads runtime settings for the sync client: defaults
// first, then an optional JSON file, then command-line flags, with later
// sources taking precedence.
package config

import (
	"time"

	"github.com/cconner2023/medsync/internal/reconcile"
	"github.com/cconner2023/medsync/internal/syncengine"
)

// Config holds the runtime settings.
//
// Fields:
//   - DatabaseDSN: path of the local SQLite record store.
//   - KeyCachePath: path of the persistent clinic-key cache; empty
//     disables it.
//   - OnlineCheckInterval: how often the client probes remote
//     reachability.
//   - Sync: mutation queue tuning (batch size, retry cap, backoff).
//   - Pull: reconciliation pull tuning (retries, base delay).
type Config struct {
	DatabaseDSN         string
	KeyCachePath        string
	OnlineCheckInterval time.Duration

	Sync syncengine.Config
	Pull reconcile.Config
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "medsync.db"
	c.KeyCachePath = "medsync-keys.db"
	c.OnlineCheckInterval = 30 * time.Second
	c.Sync = syncengine.DefaultConfig()
	c.Pull = reconcile.DefaultConfig()
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
