package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/events"
)

func TestEmitStagesMonitoringEvent(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")

	require.NoError(t, Emit(context.Background(), nil, ob, "instrument", "ins-1", "config_sync_requested"))

	recs, err := ob.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, events.TypeMonitoringEvent, recs[0].EventType)
	assert.Equal(t, "ins-1", recs[0].AggregateID)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(recs[0].Payload, &env))
	var e Entry
	require.NoError(t, events.Item(env.Payload, 0, &e))
	assert.Equal(t, "config_sync_requested", e.Action)
	assert.False(t, e.At.IsZero())
}

func TestRecorderAppendsEachEntryOnce(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryAuditStore()
	rec := &Recorder{Store: store}

	c := inbox.NewConsumer(log, inbox.NewMemoryStore(), inbox.NewMetrics(prometheus.NewRegistry()), 10)
	rec.RegisterHandlers(c)

	payload, err := events.MarshalAll([]Entry{
		{Action: "reagent_install_requested", AggregateType: "instrument", AggregateID: "ins-1"},
		{Action: "reagent_sync_requested", AggregateType: "instrument", AggregateID: "ins-2"},
	})
	require.NoError(t, err)

	env := events.New("instrument-service", events.TypeMonitoringEvent, payload)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), raw))
	require.NoError(t, c.Handle(context.Background(), raw))

	assert.Len(t, store.Entries, 2, "redelivery must not duplicate audit rows")
	assert.Equal(t, "reagent_install_requested", store.Entries[0].Action)
}
