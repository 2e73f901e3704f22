package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

var ErrNotFound = errors.New("outbox record not found")

// Store stages events durably in the same unit of work as the business state
// change that produced them, and hands them to the relay.
//
// Enqueue must run on the caller's transaction (the Querier obtained from
// InTx): a failed insert fails the whole business transaction, so a committed
// business change always has its notification intent on disk.
type Store interface {
	// InTx runs fn as one atomic unit of work and passes the Querier the
	// business stores and Enqueue share.
	InTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error

	// Enqueue stages a new event and returns its generated event id.
	Enqueue(ctx context.Context, q db.Querier, aggregateType, aggregateID, eventType string, payload []json.RawMessage) (string, error)

	// EnqueueEnvelope stages a pre-built envelope; replies use it to reuse the
	// correlating event id of the request they answer.
	EnqueueEnvelope(ctx context.Context, q db.Querier, aggregateType, aggregateID string, env events.Envelope) (string, error)

	// ClaimPending moves up to batchSize pending rows to processing, oldest
	// first, and returns them for publishing.
	ClaimPending(ctx context.Context, batchSize int) ([]Record, error)

	MarkDispatched(ctx context.Context, id int64) error

	// Release returns a claimed row to pending after a publish failure.
	Release(ctx context.Context, id int64, errMsg string) error

	// MarkFailed parks a row that exhausted its attempts. Never deletes.
	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// RequeueStuck returns rows claimed longer than olderThan ago to pending.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)

	// FindByEventID is inspection only (operators, tests).
	FindByEventID(ctx context.Context, eventID string) (Record, error)

	// OldestPendingAge reports relay lag; zero when nothing is pending.
	OldestPendingAge(ctx context.Context) (time.Duration, error)
}
