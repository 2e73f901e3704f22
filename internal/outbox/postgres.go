package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// PostgresStore keeps outbox_events in the owning service's database.
type PostgresStore struct {
	db     *sql.DB
	source string
}

func NewPostgresStore(d *sql.DB, source string) *PostgresStore {
	return &PostgresStore{db: d, source: source}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	return db.InTx(ctx, s.db, fn)
}

func (s *PostgresStore) Enqueue(ctx context.Context, q db.Querier, aggregateType, aggregateID, eventType string, payload []json.RawMessage) (string, error) {
	env := events.New(s.source, eventType, payload)
	return s.EnqueueEnvelope(ctx, q, aggregateType, aggregateID, env)
}

func (s *PostgresStore) EnqueueEnvelope(ctx context.Context, q db.Querier, aggregateType, aggregateID string, env events.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	const ins = `
INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, now());
`
	if _, err := q.ExecContext(ctx, ins, env.EventID, aggregateType, aggregateID, env.EventType, body); err != nil {
		return "", err
	}
	return env.EventID, nil
}

func (s *PostgresStore) ClaimPending(ctx context.Context, batchSize int) ([]Record, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	const q = `
WITH cte AS (
  SELECT id
  FROM outbox_events
  WHERE status = 'pending'
  ORDER BY created_at
  FOR UPDATE SKIP LOCKED
  LIMIT $1
)
UPDATE outbox_events o
SET status = 'processing',
    processing_started_at = now(),
    attempts = o.attempts + 1
FROM cte
WHERE o.id = cte.id
RETURNING o.id, o.event_id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload,
          o.status, o.attempts, COALESCE(o.last_error, ''), o.created_at;
`

	rows, err := s.db.QueryContext(ctx, q, batchSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.AggregateType,
			&rec.AggregateID,
			&rec.EventType,
			&payload,
			&rec.Status,
			&rec.Attempts,
			&rec.LastError,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkDispatched(ctx context.Context, id int64) error {
	const q = `
UPDATE outbox_events
SET status = 'dispatched', dispatched_at = now(), processing_started_at = NULL, last_error = NULL
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, id int64, errMsg string) error {
	const q = `
UPDATE outbox_events
SET status = 'pending', processing_started_at = NULL, last_error = $2
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id, errMsg)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	const q = `
UPDATE outbox_events
SET status = 'failed', processing_started_at = NULL, last_error = $2
WHERE id = $1;
`
	_, err := s.db.ExecContext(ctx, q, id, errMsg)
	return err
}

func (s *PostgresStore) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan)
	const q = `
UPDATE outbox_events
SET status = 'pending', processing_started_at = NULL
WHERE status = 'processing' AND processing_started_at < $1;
`
	res, err := s.db.ExecContext(ctx, q, threshold)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) FindByEventID(ctx context.Context, eventID string) (Record, error) {
	const q = `
SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload,
       status, attempts, COALESCE(last_error, ''), created_at, COALESCE(dispatched_at, 'epoch'::timestamptz)
FROM outbox_events
WHERE event_id = $1;
`
	var rec Record
	var payload []byte
	err := s.db.QueryRowContext(ctx, q, eventID).Scan(
		&rec.ID,
		&rec.EventID,
		&rec.AggregateType,
		&rec.AggregateID,
		&rec.EventType,
		&payload,
		&rec.Status,
		&rec.Attempts,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.DispatchedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Payload = payload
	return rec, nil
}

func (s *PostgresStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	const q = `
SELECT EXTRACT(EPOCH FROM (now() - created_at))
FROM outbox_events
WHERE status = 'pending'
ORDER BY created_at
LIMIT 1;
`
	var v sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return time.Duration(v.Float64 * float64(time.Second)), nil
}
