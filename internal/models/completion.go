package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cconner2023/medsync/internal/common"
)

// CompletionType distinguishes a self-read sign-off from a supervised test.
type CompletionType string

const (
	CompletionRead CompletionType = "read"
	CompletionTest CompletionType = "test"
)

// CompletionResult is the outcome of a training completion.
type CompletionResult string

const (
	ResultGo   CompletionResult = "GO"
	ResultNoGo CompletionResult = "NO_GO"
)

// StepResult records the outcome of a single evaluated step. Result is
// empty when the step was not assessed.
type StepResult struct {
	StepID string           `json:"step_id"`
	Result CompletionResult `json:"result,omitempty"`
}

// TrainingCompletion records that a user completed a training item.
type TrainingCompletion struct {
	ID             string
	UserID         string
	TrainingItemID string
	Completed      bool
	CompletedAt    time.Time
	CompletionType CompletionType
	Result         CompletionResult

	// SupervisorID is set only for supervised tests.
	SupervisorID string

	// StepResults is set only for supervised tests; ordered.
	StepResults []StepResult

	SupervisorNotes string

	CreatedAt time.Time
	UpdatedAt time.Time

	SyncMeta
}

// Validate enforces the completion-type invariants: a test requires a
// supervisor, and a read carries no per-step results.
func (c *TrainingCompletion) Validate() error {
	switch c.CompletionType {
	case CompletionTest:
		if c.SupervisorID == "" {
			return fmt.Errorf("%w: test completion without supervisor", common.ErrInvalidCompletion)
		}
	case CompletionRead:
		if len(c.StepResults) > 0 {
			return fmt.Errorf("%w: read completion with step results", common.ErrInvalidCompletion)
		}
	default:
		return fmt.Errorf("%w: unknown completion type %q", common.ErrInvalidCompletion, c.CompletionType)
	}
	return nil
}

// CompletionRow is the remote store row shape for a training completion.
// StepResults travels as a JSON column.
type CompletionRow struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	TrainingItemID  string           `json:"training_item_id"`
	Completed       bool             `json:"completed"`
	CompletedAt     time.Time        `json:"completed_at"`
	CompletionType  CompletionType   `json:"completion_type"`
	Result          CompletionResult `json:"result"`
	SupervisorID    string           `json:"supervisor_id,omitempty"`
	StepResults     json.RawMessage  `json:"step_results,omitempty"`
	SupervisorNotes string           `json:"supervisor_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ToRow strips local sync metadata and produces the remote shape.
func (c *TrainingCompletion) ToRow() (*CompletionRow, error) {
	var steps json.RawMessage
	if len(c.StepResults) > 0 {
		b, err := json.Marshal(c.StepResults)
		if err != nil {
			return nil, fmt.Errorf("marshal step results: %w", err)
		}
		steps = b
	}
	return &CompletionRow{
		ID:              c.ID,
		UserID:          c.UserID,
		TrainingItemID:  c.TrainingItemID,
		Completed:       c.Completed,
		CompletedAt:     c.CompletedAt,
		CompletionType:  c.CompletionType,
		Result:          c.Result,
		SupervisorID:    c.SupervisorID,
		StepResults:     steps,
		SupervisorNotes: c.SupervisorNotes,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}, nil
}

// CompletionFromRow builds a local completion from a remote row.
func CompletionFromRow(r *CompletionRow) (*TrainingCompletion, error) {
	var steps []StepResult
	if len(r.StepResults) > 0 {
		if err := json.Unmarshal(r.StepResults, &steps); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	return &TrainingCompletion{
		ID:              r.ID,
		UserID:          r.UserID,
		TrainingItemID:  r.TrainingItemID,
		Completed:       r.Completed,
		CompletedAt:     r.CompletedAt,
		CompletionType:  r.CompletionType,
		Result:          r.Result,
		SupervisorID:    r.SupervisorID,
		StepResults:     steps,
		SupervisorNotes: r.SupervisorNotes,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SyncMeta:        SyncMeta{SyncStatus: SyncStatusSynced},
	}, nil
}
