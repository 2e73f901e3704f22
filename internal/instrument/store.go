package instrument

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
)

var ErrNotInstalled = errors.New("reagent not installed")

// ReagentStore keeps the locally cached installed-reagent rows. Mutations
// take the caller's Querier so they commit with the outbox enqueue that
// announces them.
type ReagentStore interface {
	Insert(ctx context.Context, q db.Querier, r InstalledReagent) (InstalledReagent, error)
	Delete(ctx context.Context, q db.Querier, instrumentID, reagentCode string) error
	DeleteByInstrument(ctx context.Context, q db.Querier, instrumentID string) (int64, error)
	ListByInstrument(ctx context.Context, instrumentID string) ([]InstalledReagent, error)
}

type MemoryReagentStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   []InstalledReagent
}

func NewMemoryReagentStore() *MemoryReagentStore {
	return &MemoryReagentStore{}
}

func (s *MemoryReagentStore) Insert(ctx context.Context, _ db.Querier, r InstalledReagent) (InstalledReagent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r.ID = s.nextID
	if r.InstalledAt.IsZero() {
		r.InstalledAt = time.Now().UTC()
	}
	s.rows = append(s.rows, r)
	return r, nil
}

func (s *MemoryReagentStore) Delete(ctx context.Context, _ db.Querier, instrumentID, reagentCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range s.rows {
		if row.InstrumentID == instrumentID && row.ReagentCode == reagentCode {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotInstalled
}

func (s *MemoryReagentStore) DeleteByInstrument(ctx context.Context, _ db.Querier, instrumentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	var n int64
	for _, row := range s.rows {
		if row.InstrumentID == instrumentID {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return n, nil
}

func (s *MemoryReagentStore) ListByInstrument(ctx context.Context, instrumentID string) ([]InstalledReagent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]InstalledReagent, 0)
	for _, row := range s.rows {
		if row.InstrumentID == instrumentID {
			out = append(out, row)
		}
	}
	return out, nil
}

var _ ReagentStore = (*MemoryReagentStore)(nil)
