package completions

import (
	"context"

	"github.com/cconner2023/medsync/internal/models"
)

// Repository is the local store contract for training completions.
type Repository interface {
	Upsert(ctx context.Context, c *models.TrainingCompletion) error
	GetByID(ctx context.Context, id string) (*models.TrainingCompletion, error)
	GetByUser(ctx context.Context, userID string) ([]models.TrainingCompletion, error)
	GetPending(ctx context.Context, userID string) ([]models.TrainingCompletion, error)
	SetSyncStatus(ctx context.Context, id string, st models.SyncStatus, lastError string) error
	HardDelete(ctx context.Context, id string) error
	CountBySyncStatus(ctx context.Context, userID string, st models.SyncStatus) (int, error)
}
