package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/dbx"
	"github.com/cconner2023/medsync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const noteColumns = `id, user_id, clinic_id, ts, display_name, rank, uic,
	algorithm_reference, hpi_encoded, symptom_icon, symptom_text,
	disposition_type, disposition_text, preview_text, clinic_name,
	is_imported, originating_clinic_id, visible_clinic_ids, source_device,
	created_at, updated_at, deleted_at, sync_status, retry_count, last_error`

// Upsert inserts or fully replaces a note by id.
func (r *SQLiteRepository) Upsert(ctx context.Context, n *models.Note) error {
	visible, err := json.Marshal(n.VisibleClinicIDs)
	if err != nil {
		return fmt.Errorf("marshal visible clinic ids: %w", err)
	}

	var deletedAt sql.NullInt64
	if n.DeletedAt != nil {
		deletedAt = sql.NullInt64{Int64: models.Millis(*n.DeletedAt), Valid: true}
	}

	query := `INSERT INTO notes (` + noteColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			clinic_id = excluded.clinic_id,
			ts = excluded.ts,
			display_name = excluded.display_name,
			rank = excluded.rank,
			uic = excluded.uic,
			algorithm_reference = excluded.algorithm_reference,
			hpi_encoded = excluded.hpi_encoded,
			symptom_icon = excluded.symptom_icon,
			symptom_text = excluded.symptom_text,
			disposition_type = excluded.disposition_type,
			disposition_text = excluded.disposition_text,
			preview_text = excluded.preview_text,
			clinic_name = excluded.clinic_name,
			is_imported = excluded.is_imported,
			originating_clinic_id = excluded.originating_clinic_id,
			visible_clinic_ids = excluded.visible_clinic_ids,
			source_device = excluded.source_device,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.ClinicID, models.Millis(n.Timestamp),
		n.DisplayName, n.Rank, n.UIC, n.AlgorithmReference, n.HPIEncoded,
		n.SymptomIcon, n.SymptomText, n.DispositionType, n.DispositionText,
		n.PreviewText, n.ClinicName, n.IsImported, n.OriginatingClinicID,
		string(visible), n.SourceDevice,
		models.Millis(n.CreatedAt), models.Millis(n.UpdatedAt), deletedAt,
		string(n.SyncStatus), n.RetryCount, n.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}
	return nil
}

func scanNote(scan func(dest ...any) error) (*models.Note, error) {
	var (
		n                   models.Note
		ts, created, updated int64
		deletedAt           sql.NullInt64
		visible, status     string
	)
	err := scan(&n.ID, &n.UserID, &n.ClinicID, &ts, &n.DisplayName, &n.Rank,
		&n.UIC, &n.AlgorithmReference, &n.HPIEncoded, &n.SymptomIcon,
		&n.SymptomText, &n.DispositionType, &n.DispositionText,
		&n.PreviewText, &n.ClinicName, &n.IsImported, &n.OriginatingClinicID,
		&visible, &n.SourceDevice, &created, &updated, &deletedAt,
		&status, &n.RetryCount, &n.LastError)
	if err != nil {
		return nil, err
	}

	n.Timestamp = models.FromMillis(ts)
	n.CreatedAt = models.FromMillis(created)
	n.UpdatedAt = models.FromMillis(updated)
	if deletedAt.Valid {
		t := models.FromMillis(deletedAt.Int64)
		n.DeletedAt = &t
	}
	n.SyncStatus = models.SyncStatus(status)
	if visible != "" {
		if err := json.Unmarshal([]byte(visible), &n.VisibleClinicIDs); err != nil {
			return nil, fmt.Errorf("unmarshal visible clinic ids: %w", err)
		}
	}
	return &n, nil
}

func (r *SQLiteRepository) queryNotes(ctx context.Context, query string, args ...any) ([]models.Note, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select notes: %w", err)
	}
	defer rows.Close()

	var result []models.Note
	for rows.Next() {
		n, err := scanNote(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetByID returns a note regardless of deleted state.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.Note, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return n, nil
}

// GetByUser lists a user's notes newest-first, excluding soft-deleted ones
// unless asked otherwise.
func (r *SQLiteRepository) GetByUser(ctx context.Context, userID string, includeDeleted bool) ([]models.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE user_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC`
	return r.queryNotes(ctx, query, userID)
}

// GetShared lists live clinic-visible notes authored by other users.
func (r *SQLiteRepository) GetShared(ctx context.Context, clinicID, excludeUserID string) ([]models.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes
		WHERE clinic_id = ? AND user_id != ? AND deleted_at IS NULL
		ORDER BY updated_at DESC`
	return r.queryNotes(ctx, query, clinicID, excludeUserID)
}

// GetPending lists notes with sync_status = pending, oldest-first. Uses the
// compound (user_id, sync_status) index.
func (r *SQLiteRepository) GetPending(ctx context.Context, userID string) ([]models.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes
		WHERE user_id = ? AND sync_status = ?
		ORDER BY created_at ASC`
	return r.queryNotes(ctx, query, userID, string(models.SyncStatusPending))
}

// SetSyncStatus updates only the sync metadata columns.
func (r *SQLiteRepository) SetSyncStatus(ctx context.Context, id string, st models.SyncStatus, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notes SET sync_status = ?, last_error = ? WHERE id = ?`,
		string(st), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

// SoftDelete stamps deleted_at and flags the note pending so the deletion
// is pushed.
func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE notes SET deleted_at = ?, updated_at = ?, sync_status = ? WHERE id = ? AND deleted_at IS NULL`,
		models.Millis(at), models.Millis(at), string(models.SyncStatusPending), id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete note: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrNotFound
	}
	return nil
}

// HardDelete physically removes a note row. Deleting a missing row is not
// an error: reconciliation and realtime deletes may race.
func (r *SQLiteRepository) HardDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to hard-delete note: %w", err)
	}
	return nil
}

// CountBySyncStatus reports how many of the user's notes are in a state.
func (r *SQLiteRepository) CountBySyncStatus(ctx context.Context, userID string, st models.SyncStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notes WHERE user_id = ? AND sync_status = ?`,
		userID, string(st)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count notes: %w", err)
	}
	return n, nil
}
