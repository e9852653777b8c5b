package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cconner2023/medsync/internal/common"
)

func TestTableAllowed(t *testing.T) {
	assert.True(t, TableAllowed(TableNotes))
	assert.True(t, TableAllowed(TableCompletions))
	assert.False(t, TableAllowed("users"))
	assert.False(t, TableAllowed(""))
}

func TestRemoteWins_TieOrNewer(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	assert.True(t, RemoteWins(t2, t1))
	assert.True(t, RemoteWins(t1, t1)) // tie goes to the incoming record
	assert.False(t, RemoteWins(t1, t2))

	// sub-millisecond differences are not significant
	assert.True(t, RemoteWins(t1, t1.Add(500*time.Microsecond)))
}

func TestMillis_RoundTrip(t *testing.T) {
	assert.True(t, FromMillis(0).IsZero())
	assert.EqualValues(t, 0, Millis(time.Time{}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	assert.Equal(t, now, FromMillis(Millis(now)))
}

func TestNote_EffectiveClinicID(t *testing.T) {
	n := &Note{ClinicID: "c1", VisibleClinicIDs: []string{"c2"}}
	assert.Equal(t, "c1", n.EffectiveClinicID())

	n = &Note{VisibleClinicIDs: []string{"c2", "c3"}}
	assert.Equal(t, "c2", n.EffectiveClinicID())

	n = &Note{}
	assert.Equal(t, "", n.EffectiveClinicID())
}

func TestNote_RowRoundTrip(t *testing.T) {
	del := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	n := &Note{
		ID:               "n1",
		UserID:           "u1",
		ClinicID:         "c1",
		DisplayName:      "encv1:abc",
		VisibleClinicIDs: []string{"c1", "c2"},
		DeletedAt:        &del,
		SyncMeta:         SyncMeta{SyncStatus: SyncStatusPending, RetryCount: 3},
	}

	row := n.ToRow()

	// sync metadata must not leak into the wire shape
	b, err := json.Marshal(row)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sync_status")
	assert.NotContains(t, string(b), "retry_count")

	back := NoteFromRow(row)
	assert.Equal(t, n.ID, back.ID)
	assert.Equal(t, n.DisplayName, back.DisplayName)
	assert.Equal(t, n.VisibleClinicIDs, back.VisibleClinicIDs)
	assert.Equal(t, &del, back.DeletedAt)
	assert.Equal(t, SyncStatusSynced, back.SyncStatus)
}

func TestTrainingCompletion_Validate(t *testing.T) {
	ok := &TrainingCompletion{CompletionType: CompletionTest, SupervisorID: "sup1",
		StepResults: []StepResult{{StepID: "s1", Result: ResultGo}}}
	require.NoError(t, ok.Validate())

	read := &TrainingCompletion{CompletionType: CompletionRead}
	require.NoError(t, read.Validate())

	noSup := &TrainingCompletion{CompletionType: CompletionTest}
	require.ErrorIs(t, noSup.Validate(), common.ErrInvalidCompletion)

	readSteps := &TrainingCompletion{CompletionType: CompletionRead,
		StepResults: []StepResult{{StepID: "s1"}}}
	require.ErrorIs(t, readSteps.Validate(), common.ErrInvalidCompletion)

	unknown := &TrainingCompletion{CompletionType: "oral"}
	require.ErrorIs(t, unknown.Validate(), common.ErrInvalidCompletion)
}

func TestCompletion_RowRoundTrip(t *testing.T) {
	c := &TrainingCompletion{
		ID:             "tc1",
		UserID:         "u1",
		TrainingItemID: "item-9",
		CompletionType: CompletionTest,
		Result:         ResultNoGo,
		SupervisorID:   "sup1",
		StepResults: []StepResult{
			{StepID: "s1", Result: ResultGo},
			{StepID: "s2"},
		},
	}

	row, err := c.ToRow()
	require.NoError(t, err)
	require.NotEmpty(t, row.StepResults)

	back, err := CompletionFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, c.StepResults, back.StepResults)
	assert.Equal(t, SyncStatusSynced, back.SyncStatus)
}

func TestChangeEvent_OldID_KeyOnly(t *testing.T) {
	e := ChangeEvent{
		Type:  EventDelete,
		Table: TableNotes,
		Old:   json.RawMessage(`{"id":"n42"}`),
	}
	id, err := e.OldID()
	require.NoError(t, err)
	assert.Equal(t, "n42", id)
}

func TestChangeEvent_NoteRow(t *testing.T) {
	row := NoteRow{ID: "n1", UserID: "u1", UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(row)
	require.NoError(t, err)

	e := ChangeEvent{Type: EventInsert, Table: TableNotes, New: b}
	got, err := e.NoteRow()
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
}
