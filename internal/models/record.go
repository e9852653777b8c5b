// Package models defines the engine's record types: notes, training
// completions, the mutation queue entry, and the remote row shapes they
// sync through.
package models

import "time"

// SyncStatus tracks where a local record stands relative to the remote
// store. It is local-only metadata and is never transmitted.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// SyncMeta is embedded in every locally stored record.
type SyncMeta struct {
	SyncStatus SyncStatus
	RetryCount int
	LastError  string
}

// Allowed remote table names. The list is a security boundary: the sync
// engine refuses to push a mutation whose table is not listed here.
const (
	TableNotes       = "notes"
	TableCompletions = "training_completions"
)

var allowedTables = map[string]struct{}{
	TableNotes:       {},
	TableCompletions: {},
}

// TableAllowed reports whether table may be targeted by a mutation.
func TableAllowed(table string) bool {
	_, ok := allowedTables[table]
	return ok
}

// Millis converts a time to Unix milliseconds. Cross-device convergence
// compares timestamps at millisecond granularity, so all persisted and
// merged times round-trip through this representation.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis; zero maps back to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// RemoteWins implements the last-write-wins comparison shared by the
// reconciliation and realtime merge paths: the incoming record is applied
// when its timestamp is newer than or equal to the local one. The
// tie-or-newer rule makes re-applying the same state a no-op.
func RemoteWins(incoming, local time.Time) bool {
	return Millis(incoming) >= Millis(local)
}
