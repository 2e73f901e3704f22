package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/labforge/labmesh/internal/shared/db"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(d *sql.DB) *PostgresStore {
	return &PostgresStore{db: d}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	return db.InTx(ctx, s.db, fn)
}

func (s *PostgresStore) Exists(ctx context.Context, q db.Querier, eventID string) (bool, error) {
	const query = `
SELECT 1 FROM inbox_events
WHERE event_id = $1 AND status IN ('done', 'dead');
`
	var one int
	err := q.QueryRowContext(ctx, query, eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Save finalizes the event. The guarded update only wins when no earlier
// transaction finalized the row; a concurrent duplicate blocks on the unique
// index until the first commit, then lands in the no-rows branch.
func (s *PostgresStore) Save(ctx context.Context, q db.Querier, row Row) error {
	const query = `
INSERT INTO inbox_events (event_id, event_type, payload, status, attempts, processed_at, updated_at)
VALUES ($1, $2, $3, 'done', 1, now(), now())
ON CONFLICT (event_id) DO UPDATE
SET status = 'done',
    payload = EXCLUDED.payload,
    processed_at = now(),
    last_error = NULL,
    updated_at = now()
WHERE inbox_events.status NOT IN ('done', 'dead')
RETURNING id;
`
	var id int64
	err := q.QueryRowContext(ctx, query, row.EventID, row.EventType, row.Payload).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicate
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, eventID string) (Row, error) {
	const query = `
SELECT id, event_id, event_type, payload, status, attempts, COALESCE(last_error, ''), processed_at
FROM inbox_events
WHERE event_id = $1 AND status = 'done';
`
	var row Row
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, eventID).Scan(
		&row.ID,
		&row.EventID,
		&row.EventType,
		&payload,
		&row.Status,
		&row.Attempts,
		&row.LastError,
		&row.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, err
	}
	row.Payload = payload
	return row, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, eventID, eventType string, payload json.RawMessage, errMsg string) (int, error) {
	const query = `
INSERT INTO inbox_events (event_id, event_type, payload, status, attempts, last_error, updated_at)
VALUES ($1, $2, $3, 'retrying', 1, $4, now())
ON CONFLICT (event_id) DO UPDATE
SET attempts = inbox_events.attempts + 1,
    last_error = $4,
    updated_at = now()
RETURNING attempts;
`
	var attempts int
	if err := s.db.QueryRowContext(ctx, query, eventID, eventType, payload, errMsg).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *PostgresStore) MarkDead(ctx context.Context, eventID, errMsg string) error {
	const query = `
UPDATE inbox_events
SET status = 'dead', last_error = $2, updated_at = now()
WHERE event_id = $1 AND status <> 'done';
`
	_, err := s.db.ExecContext(ctx, query, eventID, errMsg)
	return err
}

var _ Store = (*PostgresStore)(nil)
