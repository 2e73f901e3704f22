package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

const aggregateReagent = "reagent"

// Inventory answers availability checks for the instrument service. It runs
// before any install event is enqueued, so a rejection never needs
// compensating.
type Inventory struct {
	Stock StockStore
	Now   func() time.Time
}

func (i *Inventory) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Inventory) CheckAvailability(ctx context.Context, reagentCode string, quantity int) error {
	item, err := i.Stock.Get(ctx, nil, reagentCode)
	if err != nil {
		return err
	}
	if item.Quantity < quantity {
		return fmt.Errorf("%w: have %d, want %d", ErrInsufficientStock, item.Quantity, quantity)
	}
	if !item.ExpiresAt.IsZero() && item.ExpiresAt.Before(i.now()) {
		return fmt.Errorf("%w: lot %s expired %s", ErrExpired, item.LotNumber, item.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}

// reagentItem mirrors the instrument service's wire shape.
type reagentItem struct {
	InstrumentID string `json:"instrument_id"`
	ReagentCode  string `json:"reagent_code"`
	LotNumber    string `json:"lot_number"`
	Quantity     int    `json:"quantity"`
}

type instrumentRef struct {
	InstrumentID string `json:"instrument_id"`
}

type analysisItem struct {
	RunID       string `json:"run_id"`
	SampleID    string `json:"sample_id"`
	ReagentCode string `json:"reagent_code,omitempty"`
	Success     bool   `json:"success,omitempty"`
}

// Service consumes the reagent request topics and produces correlated
// replies through its own outbox. Replies reuse the request's event id so
// the requester's bridge discovers them by key equality.
type Service struct {
	Stock       StockStore
	Assignments AssignmentStore
	Outbox      outbox.Store
	Source      string
	Log         *slog.Logger
}

func (s *Service) RegisterHandlers(c *inbox.Consumer) {
	c.Register(events.TypeReagentInstallRequest, s.handleInstall)
	c.Register(events.TypeReagentUninstallRequest, s.handleUninstall)
	c.Register(events.TypeReagentSyncRequest, s.handleSync)
	c.Register(events.TypeAnalysisResponse, s.handleConsumption)
}

// handleInstall debits stock, records the assignment, and stages the reply,
// all on the inbox unit of work. A redelivered install cannot debit twice
// because the dedup row commits with the debit.
func (s *Service) handleInstall(ctx context.Context, q db.Querier, env events.Envelope) error {
	var item reagentItem
	if err := events.Item(env.Payload, 0, &item); err != nil {
		return fmt.Errorf("decode install request: %w", err)
	}

	if err := s.Stock.Debit(ctx, q, item.ReagentCode, item.Quantity); err != nil {
		return err
	}
	if err := s.Assignments.Put(ctx, q, Assignment{
		InstrumentID: item.InstrumentID,
		ReagentCode:  item.ReagentCode,
		LotNumber:    item.LotNumber,
		Quantity:     item.Quantity,
	}); err != nil {
		return err
	}
	if err := s.publishStock(ctx, q, item.ReagentCode); err != nil {
		return err
	}

	return s.reply(ctx, q, env, events.TypeReagentInstallResponse, item.InstrumentID, []any{item})
}

// handleUninstall is defensive about ordering: an uninstall arriving before
// (or without) its paired install just removes nothing and credits nothing.
func (s *Service) handleUninstall(ctx context.Context, q db.Querier, env events.Envelope) error {
	var item reagentItem
	if err := events.Item(env.Payload, 0, &item); err != nil {
		return fmt.Errorf("decode uninstall request: %w", err)
	}

	assignments, err := s.Assignments.ListByInstrument(ctx, q, item.InstrumentID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.ReagentCode != item.ReagentCode {
			continue
		}
		if err := s.Assignments.Remove(ctx, q, a.InstrumentID, a.ReagentCode); err != nil {
			return err
		}
		if err := s.Stock.Credit(ctx, q, a.ReagentCode, a.Quantity); err != nil {
			return err
		}
		if err := s.publishStock(ctx, q, a.ReagentCode); err != nil {
			return err
		}
	}
	return nil
}

// handleSync replies with every assignment for the instrument; the multi-item
// payload is why the envelope body is always an array.
func (s *Service) handleSync(ctx context.Context, q db.Querier, env events.Envelope) error {
	var ref instrumentRef
	if err := events.Item(env.Payload, 0, &ref); err != nil {
		return fmt.Errorf("decode sync request: %w", err)
	}

	assignments, err := s.Assignments.ListByInstrument(ctx, q, ref.InstrumentID)
	if err != nil {
		return err
	}

	items := make([]any, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, reagentItem{
			InstrumentID: a.InstrumentID,
			ReagentCode:  a.ReagentCode,
			LotNumber:    a.LotNumber,
			Quantity:     a.Quantity,
		})
	}
	return s.reply(ctx, q, env, events.TypeReagentSyncResponse, ref.InstrumentID, items)
}

// handleConsumption debits one unit per completed sample that names a
// reagent. Runs on the inbox unit of work, so redelivery cannot double-debit.
func (s *Service) handleConsumption(ctx context.Context, q db.Querier, env events.Envelope) error {
	touched := make(map[string]struct{})
	for i := range env.Payload {
		var item analysisItem
		if err := events.Item(env.Payload, i, &item); err != nil {
			return fmt.Errorf("decode analysis item: %w", err)
		}
		if item.ReagentCode == "" || !item.Success {
			continue
		}
		if err := s.Stock.Debit(ctx, q, item.ReagentCode, 1); err != nil {
			return err
		}
		touched[item.ReagentCode] = struct{}{}
	}
	for code := range touched {
		if err := s.publishStock(ctx, q, code); err != nil {
			return err
		}
	}
	return nil
}

// publishStock announces the reagent's current level so other services can
// keep a local copy. The announcement commits with the mutation it reports.
func (s *Service) publishStock(ctx context.Context, q db.Querier, reagentCode string) error {
	item, err := s.Stock.Get(ctx, q, reagentCode)
	if err != nil {
		return err
	}
	payload, err := events.Marshal(item)
	if err != nil {
		return err
	}
	_, err = s.Outbox.Enqueue(ctx, q, aggregateReagent, reagentCode, events.TypeReagentStockChanged, payload)
	return err
}

// reply stages a correlated response on the same unit of work as the effects
// it reports. The requester polls its inbox for the request's event id, so
// the reply must carry exactly that id.
func (s *Service) reply(ctx context.Context, q db.Querier, req events.Envelope, eventType, aggregateID string, items []any) error {
	payload, err := events.MarshalAll(items)
	if err != nil {
		return err
	}
	env := events.NewCorrelated(req.EventID, s.Source, eventType, payload)
	if _, err := s.Outbox.EnqueueEnvelope(ctx, q, aggregateReagent, aggregateID, env); err != nil {
		return err
	}
	s.Log.Info("warehouse_reply_staged",
		slog.String("event_id", req.EventID),
		slog.String("event_type", eventType),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}
