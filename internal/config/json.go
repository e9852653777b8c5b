package config

import (
	"encoding/json"
	"os"

	"github.com/cconner2023/medsync/internal/flagx"
	"github.com/cconner2023/medsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations
// accept either strings like "30s" or integer nanoseconds; zero values
// leave the corresponding Config field untouched.
type JsonConfig struct {
	DatabaseDSN         string         `json:"database_dsn"`
	KeyCachePath        string         `json:"key_cache_path"`
	OnlineCheckInterval timex.Duration `json:"online_check_interval"`

	SyncBatchSize  int            `json:"sync_batch_size"`
	SyncMaxRetries int            `json:"sync_max_retries"`
	SyncBaseDelay  timex.Duration `json:"sync_base_delay"`
	SyncMaxDelay   timex.Duration `json:"sync_max_delay"`

	PullRetries   uint64         `json:"pull_retries"`
	PullBaseDelay timex.Duration `json:"pull_base_delay"`
}

// parseJson overlays cfg with values loaded from the JSON file named by
// the -c/-config flags. No flag, no overlay. Read or unmarshal errors
// panic; startup has nothing sensible to fall back to.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.KeyCachePath != "" {
		cfg.KeyCachePath = jc.KeyCachePath
	}
	if jc.OnlineCheckInterval.Duration > 0 {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.SyncBatchSize > 0 {
		cfg.Sync.BatchSize = jc.SyncBatchSize
	}
	if jc.SyncMaxRetries > 0 {
		cfg.Sync.MaxRetries = jc.SyncMaxRetries
	}
	if jc.SyncBaseDelay.Duration > 0 {
		cfg.Sync.BaseDelay = jc.SyncBaseDelay.Duration
	}
	if jc.SyncMaxDelay.Duration > 0 {
		cfg.Sync.MaxDelay = jc.SyncMaxDelay.Duration
	}
	if jc.PullRetries > 0 {
		cfg.Pull.PullRetries = jc.PullRetries
	}
	if jc.PullBaseDelay.Duration > 0 {
		cfg.Pull.PullBaseDelay = jc.PullBaseDelay.Duration
	}
}
