package queue

import (
	"context"
	"encoding/json"
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

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const queueColumns = `id, user_id, action, table_name, record_id, payload,
	created_at, status, retry_count, last_error, next_attempt_at`

func (r *SQLiteRepository) Enqueue(ctx context.Context, e *models.MutationQueueEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	query := `INSERT INTO mutation_queue (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.UserID, string(e.Action), e.Table, e.RecordID, string(payload),
		models.Millis(e.CreatedAt), string(models.QueuePending),
		e.RetryCount, e.LastError, models.Millis(e.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) queryEntries(ctx context.Context, query string, args ...any) ([]models.MutationQueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue entries: %w", err)
	}
	defer rows.Close()

	var result []models.MutationQueueEntry
	for rows.Next() {
		var (
			e                    models.MutationQueueEntry
			action, status, body string
			created, next        int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.Table, &e.RecordID,
			&body, &created, &status, &e.RetryCount, &e.LastError, &next); err != nil {
			return nil, err
		}
		e.Action = models.Action(action)
		e.Status = models.QueueStatus(status)
		e.Payload = json.RawMessage(body)
		e.CreatedAt = models.FromMillis(created)
		e.NextAttemptAt = models.FromMillis(next)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) GetDue(ctx context.Context, userID string, now time.Time, limit int) ([]models.MutationQueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM mutation_queue
		WHERE user_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`
	return r.queryEntries(ctx, query, userID, string(models.QueuePending), models.Millis(now), limit)
}

func (r *SQLiteRepository) Reschedule(ctx context.Context, id string, retryCount int, lastError string, nextAttempt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE mutation_queue SET retry_count = ?, last_error = ?, next_attempt_at = ? WHERE id = ?`,
		retryCount, lastError, models.Millis(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule queue entry: %w", err)
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

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE mutation_queue SET status = ?, last_error = ? WHERE id = ?`,
		string(models.QueueFailed), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue entry failed: %w", err)
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

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context, userID string, st models.QueueStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM mutation_queue WHERE user_id = ? AND status = ?`,
		userID, string(st)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) GetByStatus(ctx context.Context, userID string, st models.QueueStatus) ([]models.MutationQueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM mutation_queue
		WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC`
	return r.queryEntries(ctx, query, userID, string(st))
}

func (r *SQLiteRepository) PurgeByUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}
