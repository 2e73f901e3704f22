package inbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
)

// MemoryStore mirrors PostgresStore for tests and single-process dev runs.
// Saves made inside InTx are staged and discarded when fn fails, matching the
// rollback the real store gets from its transaction.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[string]*Row
	staged   []*Row
	txActive bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txActive = true
	s.staged = nil
	err := fn(ctx, nil)
	s.txActive = false
	if err != nil {
		s.staged = nil
		return err
	}
	for _, r := range s.staged {
		s.rows[r.EventID] = r
	}
	s.staged = nil
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, _ db.Querier, eventID string) (bool, error) {
	if !s.txActive {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	r, ok := s.rows[eventID]
	return ok && (r.Status == StatusDone || r.Status == StatusDead), nil
}

func (s *MemoryStore) Save(ctx context.Context, _ db.Querier, row Row) error {
	if !s.txActive {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if prev, ok := s.rows[row.EventID]; ok && (prev.Status == StatusDone || prev.Status == StatusDead) {
		return ErrDuplicate
	}
	s.nextID++
	saved := &Row{
		ID:          s.nextID,
		EventID:     row.EventID,
		EventType:   row.EventType,
		Payload:     row.Payload,
		Status:      StatusDone,
		Attempts:    1,
		ProcessedAt: time.Now().UTC(),
	}
	if s.txActive {
		s.staged = append(s.staged, saved)
		return nil
	}
	s.rows[saved.EventID] = saved
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, eventID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok || r.Status != StatusDone {
		return Row{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, eventID, eventType string, payload json.RawMessage, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		s.nextID++
		r = &Row{
			ID:        s.nextID,
			EventID:   eventID,
			EventType: eventType,
			Payload:   payload,
			Status:    StatusRetrying,
		}
		s.rows[eventID] = r
	}
	r.Attempts++
	r.LastError = errMsg
	return r.Attempts, nil
}

func (s *MemoryStore) MarkDead(ctx context.Context, eventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[eventID]; ok && r.Status != StatusDone {
		r.Status = StatusDead
		r.LastError = errMsg
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
