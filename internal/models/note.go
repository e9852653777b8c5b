package models

import "time"

// Note is a clinical encounter note. Timestamp is when the encounter
// happened; CreatedAt/UpdatedAt track the record itself. A non-nil
// DeletedAt marks a soft delete: the note is hidden from live queries and
// physically removed once the deletion is acknowledged remotely.
type Note struct {
	ID       string
	UserID   string
	ClinicID string

	Timestamp time.Time

	// Sensitive fields. They may hold either plaintext (legacy or
	// key-unavailable writes) or a cryptox envelope; everything outside
	// the encryption layer treats them as opaque strings.
	DisplayName string
	Rank        string
	UIC         string
	HPIEncoded  string
	PreviewText string
	ClinicName  string

	// Plaintext display fields, kept searchable server-side.
	AlgorithmReference string
	SymptomIcon        string
	SymptomText        string
	DispositionType    string
	DispositionText    string

	IsImported          bool
	OriginatingClinicID string
	VisibleClinicIDs    []string
	SourceDevice        string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	SyncMeta
}

// EffectiveClinicID returns the clinic whose key protects this note: its
// own clinic if set, else the first clinic it is shared with. Covers notes
// imported across clinics, which carry no clinic id of their own.
func (n *Note) EffectiveClinicID() string {
	if n.ClinicID != "" {
		return n.ClinicID
	}
	if len(n.VisibleClinicIDs) > 0 {
		return n.VisibleClinicIDs[0]
	}
	return ""
}

// SensitiveFields returns pointers to the fields the encryption layer
// protects, keyed by their remote column name.
func (n *Note) SensitiveFields() map[string]*string {
	return map[string]*string{
		"display_name": &n.DisplayName,
		"rank":         &n.Rank,
		"uic":          &n.UIC,
		"hpi_encoded":  &n.HPIEncoded,
		"preview_text": &n.PreviewText,
		"clinic_name":  &n.ClinicName,
	}
}

// NoteRow is the remote store row shape for a note. Sync metadata is
// deliberately absent.
type NoteRow struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	ClinicID            string     `json:"clinic_id,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
	DisplayName         string     `json:"display_name,omitempty"`
	Rank                string     `json:"rank,omitempty"`
	UIC                 string     `json:"uic,omitempty"`
	AlgorithmReference  string     `json:"algorithm_reference,omitempty"`
	HPIEncoded          string     `json:"hpi_encoded,omitempty"`
	SymptomIcon         string     `json:"symptom_icon,omitempty"`
	SymptomText         string     `json:"symptom_text,omitempty"`
	DispositionType     string     `json:"disposition_type,omitempty"`
	DispositionText     string     `json:"disposition_text,omitempty"`
	PreviewText         string     `json:"preview_text,omitempty"`
	ClinicName          string     `json:"clinic_name,omitempty"`
	IsImported          bool       `json:"is_imported"`
	OriginatingClinicID string     `json:"originating_clinic_id,omitempty"`
	VisibleClinicIDs    []string   `json:"visible_clinic_ids,omitempty"`
	SourceDevice        string     `json:"source_device,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// ToRow strips local sync metadata and produces the remote shape.
func (n *Note) ToRow() *NoteRow {
	return &NoteRow{
		ID:                  n.ID,
		UserID:              n.UserID,
		ClinicID:            n.ClinicID,
		Timestamp:           n.Timestamp,
		DisplayName:         n.DisplayName,
		Rank:                n.Rank,
		UIC:                 n.UIC,
		AlgorithmReference:  n.AlgorithmReference,
		HPIEncoded:          n.HPIEncoded,
		SymptomIcon:         n.SymptomIcon,
		SymptomText:         n.SymptomText,
		DispositionType:     n.DispositionType,
		DispositionText:     n.DispositionText,
		PreviewText:         n.PreviewText,
		ClinicName:          n.ClinicName,
		IsImported:          n.IsImported,
		OriginatingClinicID: n.OriginatingClinicID,
		VisibleClinicIDs:    append([]string(nil), n.VisibleClinicIDs...),
		SourceDevice:        n.SourceDevice,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
		DeletedAt:           n.DeletedAt,
	}
}

// NoteFromRow builds a local note from a remote row. The caller decides the
// sync status (pulled rows are synced by definition).
func NoteFromRow(r *NoteRow) *Note {
	return &Note{
		ID:                  r.ID,
		UserID:              r.UserID,
		ClinicID:            r.ClinicID,
		Timestamp:           r.Timestamp,
		DisplayName:         r.DisplayName,
		Rank:                r.Rank,
		UIC:                 r.UIC,
		AlgorithmReference:  r.AlgorithmReference,
		HPIEncoded:          r.HPIEncoded,
		SymptomIcon:         r.SymptomIcon,
		SymptomText:         r.SymptomText,
		DispositionType:     r.DispositionType,
		DispositionText:     r.DispositionText,
		PreviewText:         r.PreviewText,
		ClinicName:          r.ClinicName,
		IsImported:          r.IsImported,
		OriginatingClinicID: r.OriginatingClinicID,
		VisibleClinicIDs:    append([]string(nil), r.VisibleClinicIDs...),
		SourceDevice:        r.SourceDevice,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		DeletedAt:           r.DeletedAt,
		SyncMeta:            SyncMeta{SyncStatus: SyncStatusSynced},
	}
}
