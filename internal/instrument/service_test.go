package instrument

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
	"github.com/labforge/labmesh/internal/replybridge"
	"github.com/labforge/labmesh/internal/shared/events"
	"github.com/labforge/labmesh/internal/warehouse"
)

type allowAll struct{}

func (allowAll) CheckAvailability(ctx context.Context, reagentCode string, quantity int) error {
	return nil
}

func newService(t *testing.T) (*Service, *outbox.MemoryStore, *inbox.MemoryStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	svc := &Service{
		Bridge: &replybridge.Bridge{
			Outbox:       ob,
			Inbox:        ib,
			Log:          log,
			PollInterval: 5 * time.Millisecond,
			Deadline:     30 * time.Millisecond,
		},
		Outbox:    ob,
		Reagents:  NewMemoryReagentStore(),
		Inventory: allowAll{},
		Log:       log,
	}
	return svc, ob, ib
}

func TestSyncReagentsEmptiesCacheWithRequest(t *testing.T) {
	svc, ob, _ := newService(t)

	_, err := svc.Reagents.Insert(context.Background(), nil, InstalledReagent{
		InstrumentID: "ins-1", ReagentCode: "R-1", LotNumber: "LOT-1", Quantity: 1,
	})
	require.NoError(t, err)

	res, err := svc.SyncReagents(context.Background(), "ins-1")
	require.NoError(t, err)
	assert.True(t, res.Accepted, "no reply consumer wired, so the call degrades to accepted")

	rows, err := svc.ListReagents(context.Background(), "ins-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "cache is cleared in the request transaction")

	rec, err := ob.FindByEventID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeReagentSyncRequest, rec.EventType)
}

func TestReagentSyncResponseRepopulatesCache(t *testing.T) {
	svc, _, ib := newService(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := inbox.NewConsumer(log, ib, inbox.NewMetrics(prometheus.NewRegistry()), 10)
	svc.RegisterHandlers(c)

	payload, err := events.MarshalAll([]reagentItem{
		{InstrumentID: "ins-1", ReagentCode: "R-1", LotNumber: "LOT-1", Quantity: 2},
		{InstrumentID: "ins-1", ReagentCode: "R-2", LotNumber: "LOT-2", Quantity: 1},
	})
	require.NoError(t, err)

	env := events.New("warehouse-service", events.TypeReagentSyncResponse, payload)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), raw))

	rows, err := svc.ListReagents(context.Background(), "ins-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "R-1", rows[0].ReagentCode)
	assert.Equal(t, "R-2", rows[1].ReagentCode)
}

// Each service keeps its own outbox and inbox. The warehouse's dedup row for
// the request lives in the warehouse's inbox, so the requester's bridge can
// only ever resolve with the warehouse's actual reply, and the correlated
// reply (same event id as the request) inserts into the warehouse's outbox
// without colliding with the request row in the instrument's.
func TestReagentSyncResolvesWithWarehouseReply(t *testing.T) {
	svc, iob, iib := newService(t)
	svc.Bridge.PollInterval = 2 * time.Millisecond
	svc.Bridge.Deadline = 2 * time.Second

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ic := inbox.NewConsumer(log, iib, inbox.NewMetrics(prometheus.NewRegistry()), 10)
	svc.RegisterHandlers(ic)

	wStock := warehouse.NewMemoryStockStore()
	wAssigns := warehouse.NewMemoryAssignmentStore()
	wOutbox := outbox.NewMemoryStore("warehouse-service")
	wInbox := inbox.NewMemoryStore()
	wsvc := &warehouse.Service{
		Stock:       wStock,
		Assignments: wAssigns,
		Outbox:      wOutbox,
		Source:      "warehouse-service",
		Log:         log,
	}
	wc := inbox.NewConsumer(log, wInbox, inbox.NewMetrics(prometheus.NewRegistry()), 10)
	wsvc.RegisterHandlers(wc)

	for _, a := range []warehouse.Assignment{
		{InstrumentID: "ins-1", ReagentCode: "R-1", LotNumber: "LOT-1", Quantity: 2},
		{InstrumentID: "ins-1", ReagentCode: "R-2", LotNumber: "LOT-2", Quantity: 1},
	} {
		require.NoError(t, wAssigns.Put(context.Background(), nil, a))
	}

	// Relay stand-in: moves each side's outbox to the other side's consumer.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if recs, err := iob.ClaimPending(ctx, 10); err == nil {
				for _, rec := range recs {
					_ = wc.Handle(ctx, rec.Payload)
				}
			}
			if recs, err := wOutbox.ClaimPending(ctx, 10); err == nil {
				for _, rec := range recs {
					_ = ic.Handle(ctx, rec.Payload)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := svc.SyncReagents(ctx, "ins-1")
	require.NoError(t, err)

	require.False(t, res.Accepted, "reply loop must resolve inside the deadline")
	require.Len(t, res.Payload, 2, "resolution carries the warehouse's reply, one item per assignment")

	var item reagentItem
	require.NoError(t, events.Item(res.Payload, 0, &item))
	assert.Equal(t, "ins-1", item.InstrumentID)
	assert.Contains(t, []string{"R-1", "R-2"}, item.ReagentCode)

	rows, err := svc.ListReagents(context.Background(), "ins-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2, "cache rebuilt from the warehouse's truth")

	done, err := wInbox.Exists(context.Background(), nil, res.EventID)
	require.NoError(t, err)
	assert.True(t, done, "request deduplicates in the warehouse's inbox, not the requester's")
}

func TestUninstallStagesEventWithCacheDelete(t *testing.T) {
	svc, ob, _ := newService(t)

	_, err := svc.Reagents.Insert(context.Background(), nil, InstalledReagent{
		InstrumentID: "ins-1", ReagentCode: "R-1", LotNumber: "LOT-1", Quantity: 1,
	})
	require.NoError(t, err)

	eventID, err := svc.UninstallReagent(context.Background(), "ins-1", "R-1")
	require.NoError(t, err)

	rec, err := ob.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeReagentUninstallRequest, rec.EventType)

	rows, err := svc.ListReagents(context.Background(), "ins-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUninstallUnknownReagentFails(t *testing.T) {
	svc, ob, _ := newService(t)

	_, err := svc.UninstallReagent(context.Background(), "ins-1", "R-9")
	require.ErrorIs(t, err, ErrNotInstalled)

	recs, err := ob.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "failed delete rolls the enqueue back")
}
