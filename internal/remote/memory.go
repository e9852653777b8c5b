package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cconner2023/medsync/internal/common"
	"github.com/cconner2023/medsync/internal/models"
)

// InMemory is a Store backed by maps, used in tests and local development.
// It supports fault injection (offline toggle, fail-next-N) and broadcasts
// change events to subscribers the way the real change feed does.
type InMemory struct {
	mu sync.Mutex

	notes       map[string]models.NoteRow
	completions map[string]models.CompletionRow
	keys        map[string]string

	offline  bool
	failNext int

	noteUpserts map[string]int

	nextSubID int
	subs      map[int]*memSub
}

type memSub struct {
	filter Filter
	ch     chan models.ChangeEvent
}

func NewInMemory() *InMemory {
	return &InMemory{
		notes:       map[string]models.NoteRow{},
		completions: map[string]models.CompletionRow{},
		keys:        map[string]string{},
		noteUpserts: map[string]int{},
		subs:        map[int]*memSub{},
	}
}

// SetOffline makes every subsequent call fail with common.ErrOffline.
func (m *InMemory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n calls fail with common.ErrOffline, then
// recover.
func (m *InMemory) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// checkUp must be called with the lock held.
func (m *InMemory) checkUp() error {
	if m.offline {
		return common.ErrOffline
	}
	if m.failNext > 0 {
		m.failNext--
		return common.ErrOffline
	}
	return nil
}

// NoteUpsertCount reports how many times a note id was upserted, letting
// tests assert that retries did not duplicate remote writes.
func (m *InMemory) NoteUpsertCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.noteUpserts[id]
}

// NoteRow returns a stored row by id.
func (m *InMemory) NoteRow(id string) (models.NoteRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.notes[id]
	return row, ok
}

func (m *InMemory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkUp()
}

func (m *InMemory) UpsertNote(ctx context.Context, row *models.NoteRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}

	_, existed := m.notes[row.ID]
	m.notes[row.ID] = *row
	m.noteUpserts[row.ID]++

	eventType := models.EventInsert
	if existed {
		eventType = models.EventUpdate
	}
	m.broadcast(eventType, models.TableNotes, row.UserID, row.ClinicID, row, row.ID)
	return nil
}

func (m *InMemory) DeleteNote(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}

	row, ok := m.notes[id]
	delete(m.notes, id)
	if ok {
		m.broadcast(models.EventDelete, models.TableNotes, row.UserID, row.ClinicID, nil, id)
	}
	return nil
}

func (m *InMemory) QueryNotes(ctx context.Context, f Filter) ([]models.NoteRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return nil, err
	}

	var result []models.NoteRow
	for _, row := range m.notes {
		if f.UserID != "" && row.UserID != f.UserID {
			continue
		}
		if f.ClinicID != "" && row.ClinicID != f.ClinicID {
			continue
		}
		if f.ExcludeUserID != "" && row.UserID == f.ExcludeUserID {
			continue
		}
		result = append(result, row)
	}
	return result, nil
}

func (m *InMemory) UpsertCompletion(ctx context.Context, row *models.CompletionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}

	_, existed := m.completions[row.ID]
	m.completions[row.ID] = *row

	eventType := models.EventInsert
	if existed {
		eventType = models.EventUpdate
	}
	m.broadcast(eventType, models.TableCompletions, row.UserID, "", row, row.ID)
	return nil
}

func (m *InMemory) DeleteCompletion(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}

	row, ok := m.completions[id]
	delete(m.completions, id)
	if ok {
		m.broadcast(models.EventDelete, models.TableCompletions, row.UserID, "", nil, id)
	}
	return nil
}

func (m *InMemory) QueryCompletions(ctx context.Context, f Filter) ([]models.CompletionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return nil, err
	}

	var result []models.CompletionRow
	for _, row := range m.completions {
		if f.UserID != "" && row.UserID != f.UserID {
			continue
		}
		if f.ExcludeUserID != "" && row.UserID == f.ExcludeUserID {
			continue
		}
		result = append(result, row)
	}
	return result, nil
}

func (m *InMemory) FetchClinicKey(ctx context.Context, clinicID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return "", err
	}
	return m.keys[clinicID], nil
}

func (m *InMemory) StoreClinicKey(ctx context.Context, clinicID, encoded string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return err
	}
	m.keys[clinicID] = encoded
	return nil
}

func (m *InMemory) Subscribe(ctx context.Context, f Filter) (<-chan models.ChangeEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkUp(); err != nil {
		return nil, nil, err
	}

	id := m.nextSubID
	m.nextSubID++
	sub := &memSub{filter: f, ch: make(chan models.ChangeEvent, 64)}
	m.subs[id] = sub

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel, nil
}

// broadcast must be called with the lock held. Delete events carry only
// the primary key in Old, mirroring the real feed's partial-row deletes.
func (m *InMemory) broadcast(t models.EventType, table, userID, clinicID string, row any, id string) {
	event := models.ChangeEvent{Type: t, Table: table}
	if row != nil {
		b, err := json.Marshal(row)
		if err != nil {
			return
		}
		event.New = b
	}
	if t == models.EventDelete {
		key, err := json.Marshal(map[string]string{"id": id})
		if err != nil {
			return
		}
		event.Old = key
	}

	for _, sub := range m.subs {
		f := sub.filter
		matched := (f.UserID == "" && f.ClinicID == "") ||
			(f.UserID != "" && f.UserID == userID) ||
			(f.ClinicID != "" && f.ClinicID == clinicID)
		if !matched {
			continue
		}
		select {
		case sub.ch <- event:
		default: // slow consumer, drop
		}
	}
}
