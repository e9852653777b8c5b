package completions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/dbx"
	"github.com/cconner2023/medsync/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or
// *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const completionColumns = `id, user_id, training_item_id, completed,
	completed_at, completion_type, result, supervisor_id, step_results,
	supervisor_notes, created_at, updated_at, sync_status, retry_count,
	last_error`

func (r *SQLiteRepository) Upsert(ctx context.Context, c *models.TrainingCompletion) error {
	var steps sql.NullString
	if len(c.StepResults) > 0 {
		b, err := json.Marshal(c.StepResults)
		if err != nil {
			return fmt.Errorf("marshal step results: %w", err)
		}
		steps = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO training_completions (` + completionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			training_item_id = excluded.training_item_id,
			completed = excluded.completed,
			completed_at = excluded.completed_at,
			completion_type = excluded.completion_type,
			result = excluded.result,
			supervisor_id = excluded.supervisor_id,
			step_results = excluded.step_results,
			supervisor_notes = excluded.supervisor_notes,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.TrainingItemID, c.Completed,
		models.Millis(c.CompletedAt), string(c.CompletionType), string(c.Result),
		c.SupervisorID, steps, c.SupervisorNotes,
		models.Millis(c.CreatedAt), models.Millis(c.UpdatedAt),
		string(c.SyncStatus), c.RetryCount, c.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert completion: %w", err)
	}
	return nil
}

func scanCompletion(scan func(dest ...any) error) (*models.TrainingCompletion, error) {
	var (
		c                           models.TrainingCompletion
		completedAt, created, updated int64
		ctype, result, status       string
		steps                       sql.NullString
	)
	err := scan(&c.ID, &c.UserID, &c.TrainingItemID, &c.Completed,
		&completedAt, &ctype, &result, &c.SupervisorID, &steps,
		&c.SupervisorNotes, &created, &updated, &status, &c.RetryCount,
		&c.LastError)
	if err != nil {
		return nil, err
	}

	c.CompletedAt = models.FromMillis(completedAt)
	c.CreatedAt = models.FromMillis(created)
	c.UpdatedAt = models.FromMillis(updated)
	c.CompletionType = models.CompletionType(ctype)
	c.Result = models.CompletionResult(result)
	c.SyncStatus = models.SyncStatus(status)
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &c.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	return &c, nil
}

func (r *SQLiteRepository) queryCompletions(ctx context.Context, query string, args ...any) ([]models.TrainingCompletion, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select completions: %w", err)
	}
	defer rows.Close()

	var result []models.TrainingCompletion
	for rows.Next() {
		c, err := scanCompletion(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.TrainingCompletion, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+completionColumns+` FROM training_completions WHERE id = ?`, id)
	c, err := scanCompletion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query row scan failed: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) GetByUser(ctx context.Context, userID string) ([]models.TrainingCompletion, error) {
	return r.queryCompletions(ctx,
		`SELECT `+completionColumns+` FROM training_completions WHERE user_id = ? ORDER BY completed_at DESC`,
		userID)
}

func (r *SQLiteRepository) GetPending(ctx context.Context, userID string) ([]models.TrainingCompletion, error) {
	return r.queryCompletions(ctx,
		`SELECT `+completionColumns+` FROM training_completions
		 WHERE user_id = ? AND sync_status = ? ORDER BY created_at ASC`,
		userID, string(models.SyncStatusPending))
}

func (r *SQLiteRepository) SetSyncStatus(ctx context.Context, id string, st models.SyncStatus, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE training_completions SET sync_status = ?, last_error = ? WHERE id = ?`,
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

func (r *SQLiteRepository) HardDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM training_completions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to hard-delete completion: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CountBySyncStatus(ctx context.Context, userID string, st models.SyncStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM training_completions WHERE user_id = ? AND sync_status = ?`,
		userID, string(st)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return n, nil
}
