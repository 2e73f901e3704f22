package warehouse

import (
	"context"
	"fmt"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// StockReplica applies stock-level announcements into a local stock table so
// a service on another database can run availability checks without reaching
// into the warehouse's schema. The copy is eventually consistent; the
// warehouse re-validates every debit against its own rows, so a stale replica
// can only reject early, never oversell.
type StockReplica struct {
	Stock StockStore
}

func (r *StockReplica) RegisterHandlers(c *inbox.Consumer) {
	c.Register(events.TypeReagentStockChanged, r.handleStockChanged)
}

func (r *StockReplica) handleStockChanged(ctx context.Context, q db.Querier, env events.Envelope) error {
	for i := range env.Payload {
		var item StockItem
		if err := events.Item(env.Payload, i, &item); err != nil {
			return fmt.Errorf("decode stock level: %w", err)
		}
		if err := r.Stock.Upsert(ctx, q, item); err != nil {
			return err
		}
	}
	return nil
}
