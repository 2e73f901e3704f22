package instrument

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/monitoring"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/replybridge"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// InventoryChecker validates a reagent against warehouse stock before any
// install event is produced. A rejection here means no event ever existed,
// so nothing needs compensating.
type InventoryChecker interface {
	CheckAvailability(ctx context.Context, reagentCode string, quantity int) error
}

// RejectedError marks an upstream validation failure (HTTP 422).
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Service implements the instrument-facing flows on top of the messaging
// core. Every cross-service conversation goes through the bridge or the
// outbox; the service never talks to the bus directly.
type Service struct {
	Bridge    *replybridge.Bridge
	Outbox    outbox.Store
	Reagents  ReagentStore
	Inventory InventoryChecker
	Log       *slog.Logger
}

const aggregateInstrument = "instrument"

// SyncConfig asks the remote side to push one instrument's configuration.
func (s *Service) SyncConfig(ctx context.Context, instrumentID string) (replybridge.Result, error) {
	payload, err := events.Marshal(instrumentRef{InstrumentID: instrumentID})
	if err != nil {
		return replybridge.Result{}, err
	}
	return s.Bridge.Call(ctx, replybridge.Request{
		AggregateType: aggregateInstrument,
		AggregateID:   instrumentID,
		EventType:     events.TypeConfigSyncRequest,
		Payload:       payload,
		Prepare: func(ctx context.Context, q db.Querier) error {
			return monitoring.Emit(ctx, q, s.Outbox, aggregateInstrument, instrumentID, "config_sync_requested")
		},
	})
}

// SyncAllConfigs asks for every instrument's configuration in one reply; the
// payload array carries one item per instrument on the way back.
func (s *Service) SyncAllConfigs(ctx context.Context) (replybridge.Result, error) {
	return s.Bridge.Call(ctx, replybridge.Request{
		AggregateType: aggregateInstrument,
		AggregateID:   "all",
		EventType:     events.TypeConfigAllSyncRequest,
		Payload:       nil,
		Prepare: func(ctx context.Context, q db.Querier) error {
			return monitoring.Emit(ctx, q, s.Outbox, aggregateInstrument, "all", "config_all_sync_requested")
		},
	})
}

// InstallReagent checks warehouse stock, then enqueues the install request
// with the local cache row written in the same transaction.
func (s *Service) InstallReagent(ctx context.Context, instrumentID string, req InstallReagentRequest) (replybridge.Result, error) {
	if err := req.Validate(); err != nil {
		return replybridge.Result{}, err
	}
	if err := s.Inventory.CheckAvailability(ctx, req.ReagentCode, req.Quantity); err != nil {
		return replybridge.Result{}, &RejectedError{Reason: err.Error()}
	}

	payload, err := events.Marshal(reagentItem{
		InstrumentID: instrumentID,
		ReagentCode:  req.ReagentCode,
		LotNumber:    req.LotNumber,
		Quantity:     req.Quantity,
	})
	if err != nil {
		return replybridge.Result{}, err
	}

	return s.Bridge.Call(ctx, replybridge.Request{
		AggregateType: aggregateInstrument,
		AggregateID:   instrumentID,
		EventType:     events.TypeReagentInstallRequest,
		Payload:       payload,
		Prepare: func(ctx context.Context, q db.Querier) error {
			if _, err := s.Reagents.Insert(ctx, q, InstalledReagent{
				InstrumentID: instrumentID,
				ReagentCode:  req.ReagentCode,
				LotNumber:    req.LotNumber,
				Quantity:     req.Quantity,
			}); err != nil {
				return err
			}
			return monitoring.Emit(ctx, q, s.Outbox, aggregateInstrument, instrumentID, "reagent_install_requested")
		},
	})
}

// UninstallReagent is fire-and-forget: no reply topic exists for it. The
// local cache row and the outbox row leave in one transaction.
func (s *Service) UninstallReagent(ctx context.Context, instrumentID, reagentCode string) (string, error) {
	payload, err := events.Marshal(reagentItem{InstrumentID: instrumentID, ReagentCode: reagentCode})
	if err != nil {
		return "", err
	}

	var eventID string
	err = s.Outbox.InTx(ctx, func(ctx context.Context, q db.Querier) error {
		if err := s.Reagents.Delete(ctx, q, instrumentID, reagentCode); err != nil {
			return err
		}
		id, err := s.Outbox.Enqueue(ctx, q, aggregateInstrument, instrumentID, events.TypeReagentUninstallRequest, payload)
		if err != nil {
			return err
		}
		eventID = id
		return monitoring.Emit(ctx, q, s.Outbox, aggregateInstrument, instrumentID, "reagent_uninstall_requested")
	})
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// SyncReagents refreshes the local cache from the warehouse. The cached rows
// are deleted eagerly, in the same transaction as the request enqueue, before
// the reply arrives: until the reagent-sync reply lands, the local cache
// under-reports reality. That window is an accepted tradeoff for a fan-out
// free repopulation path.
func (s *Service) SyncReagents(ctx context.Context, instrumentID string) (replybridge.Result, error) {
	payload, err := events.Marshal(instrumentRef{InstrumentID: instrumentID})
	if err != nil {
		return replybridge.Result{}, err
	}
	return s.Bridge.Call(ctx, replybridge.Request{
		AggregateType: aggregateInstrument,
		AggregateID:   instrumentID,
		EventType:     events.TypeReagentSyncRequest,
		Payload:       payload,
		Prepare: func(ctx context.Context, q db.Querier) error {
			if _, err := s.Reagents.DeleteByInstrument(ctx, q, instrumentID); err != nil {
				return err
			}
			return monitoring.Emit(ctx, q, s.Outbox, aggregateInstrument, instrumentID, "reagent_sync_requested")
		},
	})
}

func (s *Service) ListReagents(ctx context.Context, instrumentID string) ([]InstalledReagent, error) {
	return s.Reagents.ListByInstrument(ctx, instrumentID)
}

// RegisterHandlers binds the reply-side effects. Saving the inbox row is what
// resolves a waiting bridge call, so even a no-op handler matters.
func (s *Service) RegisterHandlers(c *inbox.Consumer) {
	c.Register(events.TypeConfigSyncResponse, s.handleNoop)
	c.Register(events.TypeConfigAllSyncResponse, s.handleNoop)
	c.Register(events.TypeReagentInstallResponse, s.handleNoop)
	c.Register(events.TypeReagentSyncResponse, s.handleReagentSyncResponse)
}

func (s *Service) handleNoop(ctx context.Context, q db.Querier, env events.Envelope) error {
	return nil
}

// handleReagentSyncResponse repopulates the cache the sync request emptied.
func (s *Service) handleReagentSyncResponse(ctx context.Context, q db.Querier, env events.Envelope) error {
	for i := range env.Payload {
		var item reagentItem
		if err := events.Item(env.Payload, i, &item); err != nil {
			return fmt.Errorf("decode reagent item: %w", err)
		}
		if _, err := s.Reagents.Insert(ctx, q, InstalledReagent{
			InstrumentID: item.InstrumentID,
			ReagentCode:  item.ReagentCode,
			LotNumber:    item.LotNumber,
			Quantity:     item.Quantity,
		}); err != nil {
			return err
		}
	}
	return nil
}
