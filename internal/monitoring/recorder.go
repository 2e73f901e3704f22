package monitoring

import (
	"context"
	"database/sql"
	"sync"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// AuditStore persists consumed monitoring entries.
type AuditStore interface {
	Append(ctx context.Context, q db.Querier, eventID string, e Entry) error
}

type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(d *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: d}
}

func (s *PostgresAuditStore) Append(ctx context.Context, q db.Querier, eventID string, e Entry) error {
	if q == nil {
		q = s.db
	}
	const query = `
INSERT INTO audit_events (event_id, action, aggregate_type, aggregate_id, occurred_at, recorded_at)
VALUES ($1, $2, $3, $4, $5, now());
`
	_, err := q.ExecContext(ctx, query, eventID, e.Action, e.AggregateType, e.AggregateID, e.At)
	return err
}

type MemoryAuditStore struct {
	mu      sync.Mutex
	Entries []Entry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(ctx context.Context, _ db.Querier, eventID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, e)
	return nil
}

// Recorder consumes monitoring events into the audit store.
type Recorder struct {
	Store AuditStore
}

func (r *Recorder) RegisterHandlers(c *inbox.Consumer) {
	c.Register(events.TypeMonitoringEvent, r.handle)
}

func (r *Recorder) handle(ctx context.Context, q db.Querier, env events.Envelope) error {
	for i := range env.Payload {
		var e Entry
		if err := events.Item(env.Payload, i, &e); err != nil {
			return err
		}
		if err := r.Store.Append(ctx, q, env.EventID, e); err != nil {
			return err
		}
	}
	return nil
}
