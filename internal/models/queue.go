package models

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation an outbox entry carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// QueueStatus is the lifecycle state of a mutation queue entry.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSynced  QueueStatus = "synced"
	QueueFailed  QueueStatus = "failed"
)

// MutationQueueEntry is a durable outbox row: one pending create/update/
// delete awaiting acknowledgment by the remote store. Payload holds the
// record's remote row shape only; sync metadata is stripped before
// enqueueing.
type MutationQueueEntry struct {
	ID       string
	UserID   string
	Action   Action
	Table    string
	RecordID string
	Payload  json.RawMessage

	CreatedAt time.Time

	Status     QueueStatus
	RetryCount int
	LastError  string

	// NextAttemptAt is the earliest time the entry is due again. It
	// persists the backoff schedule across restarts.
	NextAttemptAt time.Time
}
