// Package monitoring mirrors notable business actions onto the
// monitoring-events topic and records them into an audit table on the
// consuming side. The audit trail rides the same outbox/inbox guarantees as
// everything else: emitted atomically with the action, recorded at most once.
package monitoring

import (
	"context"
	"time"

	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// Entry is one audited action.
type Entry struct {
	Action        string    `json:"action"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	At            time.Time `json:"at"`
}

// Emit stages an audit event on the caller's unit of work.
func Emit(ctx context.Context, q db.Querier, ob outbox.Store, aggregateType, aggregateID, action string) error {
	payload, err := events.Marshal(Entry{
		Action:        action,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		At:            time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = ob.Enqueue(ctx, q, aggregateType, aggregateID, events.TypeMonitoringEvent, payload)
	return err
}
