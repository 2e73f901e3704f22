package warehouse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/events"
)

type fixture struct {
	svc      *Service
	stock    *MemoryStockStore
	assigns  *MemoryAssignmentStore
	outbox   *outbox.MemoryStore
	consumer *inbox.Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		stock:   NewMemoryStockStore(),
		assigns: NewMemoryAssignmentStore(),
		outbox:  outbox.NewMemoryStore("warehouse-service"),
	}
	f.svc = &Service{
		Stock:       f.stock,
		Assignments: f.assigns,
		Outbox:      f.outbox,
		Source:      "warehouse-service",
		Log:         log,
	}
	f.consumer = inbox.NewConsumer(log, inbox.NewMemoryStore(), inbox.NewMetrics(prometheus.NewRegistry()), 10)
	f.svc.RegisterHandlers(f.consumer)
	return f
}

func (f *fixture) seedStock(t *testing.T, code string, qty int) {
	t.Helper()
	require.NoError(t, f.stock.Upsert(context.Background(), nil, StockItem{
		ReagentCode: code,
		LotNumber:   "LOT-1",
		Quantity:    qty,
	}))
}

func (f *fixture) deliver(t *testing.T, env events.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, f.consumer.Handle(context.Background(), raw))
}

func (f *fixture) quantity(t *testing.T, code string) int {
	t.Helper()
	item, err := f.stock.Get(context.Background(), nil, code)
	require.NoError(t, err)
	return item.Quantity
}

func installRequest(t *testing.T, instrumentID, code string, qty int) events.Envelope {
	t.Helper()
	payload, err := events.Marshal(reagentItem{
		InstrumentID: instrumentID,
		ReagentCode:  code,
		LotNumber:    "LOT-1",
		Quantity:     qty,
	})
	require.NoError(t, err)
	return events.New("instrument-service", events.TypeReagentInstallRequest, payload)
}

func TestInstallDebitsStockAndStagesCorrelatedReply(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)

	req := installRequest(t, "ins-1", "R-1", 3)
	f.deliver(t, req)

	assert.Equal(t, 7, f.quantity(t, "R-1"))

	assigns, err := f.assigns.ListByInstrument(context.Background(), nil, "ins-1")
	require.NoError(t, err)
	require.Len(t, assigns, 1)
	assert.Equal(t, "R-1", assigns[0].ReagentCode)

	rec, err := f.outbox.FindByEventID(context.Background(), req.EventID)
	require.NoError(t, err, "reply must reuse the request's event id")
	assert.Equal(t, events.TypeReagentInstallResponse, rec.EventType)
	assert.Equal(t, "ins-1", rec.AggregateID)
}

func TestInstallRedeliveryDebitsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)

	req := installRequest(t, "ins-1", "R-1", 3)
	f.deliver(t, req)
	f.deliver(t, req)
	f.deliver(t, req)

	assert.Equal(t, 7, f.quantity(t, "R-1"))
}

func TestInstallWithInsufficientStockRetries(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 1)

	req := installRequest(t, "ins-1", "R-1", 5)
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	require.Error(t, f.consumer.Handle(context.Background(), raw))
	assert.Equal(t, 1, f.quantity(t, "R-1"), "failed install leaves stock untouched")

	_, err = f.outbox.FindByEventID(context.Background(), req.EventID)
	assert.Error(t, err, "no reply staged for a failed install")
}

func TestUninstallCreditsStockAndRemovesAssignment(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)
	f.deliver(t, installRequest(t, "ins-1", "R-1", 3))
	require.Equal(t, 7, f.quantity(t, "R-1"))

	payload, err := events.Marshal(reagentItem{InstrumentID: "ins-1", ReagentCode: "R-1"})
	require.NoError(t, err)
	f.deliver(t, events.New("instrument-service", events.TypeReagentUninstallRequest, payload))

	assert.Equal(t, 10, f.quantity(t, "R-1"))
	assigns, err := f.assigns.ListByInstrument(context.Background(), nil, "ins-1")
	require.NoError(t, err)
	assert.Empty(t, assigns)
}

func TestUninstallWithoutInstallIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)

	payload, err := events.Marshal(reagentItem{InstrumentID: "ins-1", ReagentCode: "R-1"})
	require.NoError(t, err)
	f.deliver(t, events.New("instrument-service", events.TypeReagentUninstallRequest, payload))

	assert.Equal(t, 10, f.quantity(t, "R-1"), "out-of-order uninstall credits nothing")
}

func TestSyncRepliesWithEveryAssignment(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)
	f.seedStock(t, "R-2", 10)
	f.deliver(t, installRequest(t, "ins-1", "R-1", 2))
	f.deliver(t, installRequest(t, "ins-1", "R-2", 1))

	payload, err := events.Marshal(instrumentRef{InstrumentID: "ins-1"})
	require.NoError(t, err)
	req := events.New("instrument-service", events.TypeReagentSyncRequest, payload)
	f.deliver(t, req)

	rec, err := f.outbox.FindByEventID(context.Background(), req.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeReagentSyncResponse, rec.EventType)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(rec.Payload, &env))
	require.Len(t, env.Payload, 2, "one payload item per installed reagent")

	var item reagentItem
	require.NoError(t, events.Item(env.Payload, 0, &item))
	assert.Equal(t, "ins-1", item.InstrumentID)
}

func TestConsumptionDebitsSuccessfulSamplesOnly(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)

	payload, err := events.MarshalAll([]analysisItem{
		{RunID: "run-1", SampleID: "s1", ReagentCode: "R-1", Success: true},
		{RunID: "run-1", SampleID: "s2", ReagentCode: "R-1", Success: false},
		{RunID: "run-1", SampleID: "s3", Success: true},
	})
	require.NoError(t, err)

	env := events.New("device-gateway", events.TypeAnalysisResponse, payload)
	f.deliver(t, env)
	f.deliver(t, env)

	assert.Equal(t, 9, f.quantity(t, "R-1"), "one debit per successful named reagent, once per event")
}

func TestMutationsAnnounceStockLevels(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 10)

	f.deliver(t, installRequest(t, "ins-1", "R-1", 3))

	recs := stockAnnouncements(t, f.outbox)
	require.Len(t, recs, 1)
	assert.Equal(t, 7, recs[0].Quantity, "announcement carries the post-debit level")

	payload, err := events.Marshal(reagentItem{InstrumentID: "ins-1", ReagentCode: "R-1"})
	require.NoError(t, err)
	f.deliver(t, events.New("instrument-service", events.TypeReagentUninstallRequest, payload))

	// ClaimPending consumed the first announcement, so only the credit's
	// announcement is pending now.
	recs = stockAnnouncements(t, f.outbox)
	require.Len(t, recs, 1)
	assert.Equal(t, 10, recs[0].Quantity, "credit announces the restored level")
}

func stockAnnouncements(t *testing.T, store *outbox.MemoryStore) []StockItem {
	t.Helper()
	recs, err := store.ClaimPending(context.Background(), 100)
	require.NoError(t, err)
	var out []StockItem
	for _, rec := range recs {
		if rec.EventType != events.TypeReagentStockChanged {
			continue
		}
		var env events.Envelope
		require.NoError(t, json.Unmarshal(rec.Payload, &env))
		var item StockItem
		require.NoError(t, events.Item(env.Payload, 0, &item))
		out = append(out, item)
	}
	return out
}

// A replica fed from the stock-level topic answers availability checks in
// another service without touching the warehouse's database.
func TestStockReplicaFeedsAvailabilityChecks(t *testing.T) {
	f := newFixture(t)
	f.seedStock(t, "R-1", 5)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	local := NewMemoryStockStore()
	rc := inbox.NewConsumer(log, inbox.NewMemoryStore(), inbox.NewMetrics(prometheus.NewRegistry()), 10)
	(&StockReplica{Stock: local}).RegisterHandlers(rc)

	f.deliver(t, installRequest(t, "ins-1", "R-1", 2))

	recs, err := f.outbox.ClaimPending(context.Background(), 100)
	require.NoError(t, err)
	for _, rec := range recs {
		if rec.EventType != events.TypeReagentStockChanged {
			continue
		}
		require.NoError(t, rc.Handle(context.Background(), rec.Payload))
	}

	inv := &Inventory{Stock: local}
	assert.NoError(t, inv.CheckAvailability(context.Background(), "R-1", 3))
	assert.ErrorIs(t, inv.CheckAvailability(context.Background(), "R-1", 4), ErrInsufficientStock)
	assert.ErrorIs(t, inv.CheckAvailability(context.Background(), "R-9", 1), ErrUnknownReagent)
}

func TestInventoryCheckAvailability(t *testing.T) {
	stock := NewMemoryStockStore()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	inv := &Inventory{Stock: stock, Now: func() time.Time { return now }}

	require.NoError(t, stock.Upsert(context.Background(), nil, StockItem{
		ReagentCode: "R-1",
		LotNumber:   "LOT-1",
		Quantity:    5,
		ExpiresAt:   now.Add(24 * time.Hour),
	}))

	assert.NoError(t, inv.CheckAvailability(context.Background(), "R-1", 5))
	assert.ErrorIs(t, inv.CheckAvailability(context.Background(), "R-1", 6), ErrInsufficientStock)
	assert.ErrorIs(t, inv.CheckAvailability(context.Background(), "R-9", 1), ErrUnknownReagent)

	require.NoError(t, stock.Upsert(context.Background(), nil, StockItem{
		ReagentCode: "R-2",
		LotNumber:   "LOT-2",
		Quantity:    5,
		ExpiresAt:   now.Add(-time.Hour),
	}))
	assert.ErrorIs(t, inv.CheckAvailability(context.Background(), "R-2", 1), ErrExpired)
}
