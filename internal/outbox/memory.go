package outbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// MemoryStore mirrors PostgresStore for tests and single-process dev runs.
// InTx stages enqueued rows and discards them when fn fails, so enqueue
// atomicity behaves like the real transaction.
type MemoryStore struct {
	mu       sync.Mutex
	source   string
	nextID   int64
	rows     []*Record
	staged   []*Record
	txActive bool
}

func NewMemoryStore(source string) *MemoryStore {
	return &MemoryStore{source: source}
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
	s.rows = append(s.rows, s.staged...)
	s.staged = nil
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, q db.Querier, aggregateType, aggregateID, eventType string, payload []json.RawMessage) (string, error) {
	env := events.New(s.source, eventType, payload)
	return s.EnqueueEnvelope(ctx, q, aggregateType, aggregateID, env)
}

func (s *MemoryStore) EnqueueEnvelope(ctx context.Context, _ db.Querier, aggregateType, aggregateID string, env events.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	rec := &Record{
		EventID:       env.EventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     env.EventType,
		Payload:       body,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	if s.txActive {
		// Caller already holds the store lock via InTx.
		s.nextID++
		rec.ID = s.nextID
		s.staged = append(s.staged, rec)
		return env.EventID, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.rows = append(s.rows, rec)
	return env.EventID, nil
}

func (s *MemoryStore) ClaimPending(ctx context.Context, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*Record, 0, batchSize)
	for _, r := range s.rows {
		if r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	out := make([]Record, 0, len(pending))
	for _, r := range pending {
		r.Status = StatusProcessing
		r.Attempts++
		out = append(out, *r)
	}
	return out, nil
}

func (s *MemoryStore) MarkDispatched(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byID(id); r != nil {
		r.Status = StatusDispatched
		r.DispatchedAt = time.Now().UTC()
		r.LastError = ""
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byID(id); r != nil {
		r.Status = StatusPending
		r.LastError = errMsg
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.byID(id); r != nil {
		r.Status = StatusFailed
		r.LastError = errMsg
	}
	return nil
}

func (s *MemoryStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	// Memory claims cannot outlive the process; nothing to requeue.
	return 0, nil
}

func (s *MemoryStore) FindByEventID(ctx context.Context, eventID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.EventID == eventID {
			return *r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, r := range s.rows {
		if r.Status == StatusPending && (oldest.IsZero() || r.CreatedAt.Before(oldest)) {
			oldest = r.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

func (s *MemoryStore) byID(id int64) *Record {
	for _, r := range s.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
