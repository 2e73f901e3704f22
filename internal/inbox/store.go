package inbox

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/labforge/labmesh/internal/shared/db"
)

var (
	ErrNotFound = errors.New("inbox record not found")
	// ErrDuplicate reports that a row for the event id was already finalized
	// by another transaction. The caller must roll back without reapplying.
	ErrDuplicate = errors.New("event already processed")
)

// Store is the consuming service's dedup ledger. Exists/Save run inside the
// same unit of work as the business effect they guard; Find and Exists are
// side-effect free, so the reply bridge may poll them arbitrarily often.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error

	// Exists reports whether the event was already finalized (done or dead).
	Exists(ctx context.Context, q db.Querier, eventID string) (bool, error)

	// Save finalizes the event as done. Returns ErrDuplicate when a concurrent
	// or earlier transaction finalized it first.
	Save(ctx context.Context, q db.Querier, row Row) error

	// Find returns the done row for eventID, ErrNotFound otherwise.
	Find(ctx context.Context, eventID string) (Row, error)

	// RecordFailure bumps the durable attempt count after a handler rollback
	// and returns the new count. Runs outside the rolled-back transaction.
	RecordFailure(ctx context.Context, eventID, eventType string, payload json.RawMessage, errMsg string) (int, error)

	// MarkDead parks the event after attempts are exhausted.
	MarkDead(ctx context.Context, eventID, errMsg string) error
}
