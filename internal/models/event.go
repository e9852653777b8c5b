package models

import (
	"encoding/json"
	"fmt"
)

// EventType is the kind of realtime change event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a single row change pushed by the remote store's change
// feed. New carries the full row for inserts and updates. Old may carry
// only the primary key on deletes, so handlers must not rely on any other
// field being present.
type ChangeEvent struct {
	Type  EventType       `json:"eventType"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// NoteRow decodes the event's New payload as a note row.
func (e ChangeEvent) NoteRow() (*NoteRow, error) {
	var r NoteRow
	if err := json.Unmarshal(e.New, &r); err != nil {
		return nil, fmt.Errorf("decode note row: %w", err)
	}
	return &r, nil
}

// CompletionRow decodes the event's New payload as a completion row.
func (e ChangeEvent) CompletionRow() (*CompletionRow, error) {
	var r CompletionRow
	if err := json.Unmarshal(e.New, &r); err != nil {
		return nil, fmt.Errorf("decode completion row: %w", err)
	}
	return &r, nil
}

// OldID extracts the primary key from the Old payload. Delete events are
// only guaranteed to carry the id.
func (e ChangeEvent) OldID() (string, error) {
	var key struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Old, &key); err != nil {
		return "", fmt.Errorf("decode old row key: %w", err)
	}
	return key.ID, nil
}
