package replybridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

func newTestBridge(ob outbox.Store, ib inbox.Store) *Bridge {
	return &Bridge{
		Outbox:       ob,
		Inbox:        ib,
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      NewMetrics(prometheus.NewRegistry()),
		PollInterval: 5 * time.Millisecond,
		Deadline:     300 * time.Millisecond,
	}
}

// saveReply plants a correlated reply in the inbox, as the reply consumer
// would after handling the response event.
func saveReply(t *testing.T, ib inbox.Store, eventID, eventType string, payload []json.RawMessage) {
	t.Helper()
	env := events.NewCorrelated(eventID, "warehouse-service", eventType, payload)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, ib.Save(context.Background(), nil, inbox.Row{
		EventID:   env.EventID,
		EventType: env.EventType,
		Payload:   raw,
	}))
}

func TestCallResolvesWhenReplyArrivesMidWait(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)

	payload, err := events.Marshal(map[string]string{"instrument_id": "ins-1"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait for the request row, then answer it like the remote side.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			recs, err := ob.ClaimPending(context.Background(), 10)
			if err == nil && len(recs) == 1 {
				reply, merr := events.Marshal(map[string]string{"status": "ok"})
				if merr != nil {
					return
				}
				saveReply(t, ib, recs[0].EventID, events.TypeConfigSyncResponse, reply)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	res, err := b.Call(context.Background(), Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
		Payload:       payload,
	})
	<-done
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.NotEmpty(t, res.EventID)
	require.Len(t, res.Payload, 1)

	var body map[string]string
	require.NoError(t, events.Item(res.Payload, 0, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCallAcceptsAtDeadlineButKeepsRequest(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)
	b.Deadline = 30 * time.Millisecond

	res, err := b.Call(context.Background(), Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
	})
	require.NoError(t, err)

	assert.True(t, res.Accepted, "no reply by the deadline degrades to accepted")
	assert.NotEmpty(t, res.EventID)

	// The request survives the timeout: it is committed and dispatchable.
	rec, err := ob.FindByEventID(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.Equal(t, events.TypeConfigSyncRequest, rec.EventType)
}

func TestCallAcceptsOnCallerCancellation(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)
	b.Deadline = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := b.Call(ctx, Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	_, err = ob.FindByEventID(context.Background(), res.EventID)
	assert.NoError(t, err, "cancellation abandons the wait, not the request")
}

// With Now and Wait injected, the full five second default wait runs without
// real time passing, and the poll count is exact.
func TestCallWaitsOnInjectedClock(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)
	b.PollInterval = 200 * time.Millisecond
	b.Deadline = 5 * time.Second

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	waits := 0
	b.Now = func() time.Time { return now }
	b.Wait = func(ctx context.Context, d time.Duration) error {
		waits++
		now = now.Add(d)
		return nil
	}

	start := time.Now()
	res, err := b.Call(context.Background(), Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
	})
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, 25, waits, "one poll per interval until the deadline")
	assert.Less(t, time.Since(start), time.Second, "fake clock wait burns no real time")
}

func TestCallPrepareFailureEnqueuesNothing(t *testing.T) {
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)

	boom := errors.New("local write failed")
	_, err := b.Call(context.Background(), Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
		Prepare: func(ctx context.Context, q db.Querier) error {
			return boom
		},
	})
	require.ErrorIs(t, err, boom)

	recs, err := ob.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "failed prepare rolls the enqueue back")
}

func TestCallFindsReplyAlreadyPresent(t *testing.T) {
	// A reply can land between the request commit and the first poll; the
	// first Find must see it without waiting a full interval.
	ob := outbox.NewMemoryStore("instrument-service")
	ib := inbox.NewMemoryStore()
	b := newTestBridge(ob, ib)
	b.PollInterval = 10 * time.Second
	b.Deadline = 10 * time.Second

	var eventID string
	b2 := *b
	b2.Outbox = &prepareHookStore{Store: ob, hook: func(id string) {
		eventID = id
		reply, _ := events.Marshal(map[string]string{"status": "ok"})
		saveReply(t, ib, id, events.TypeConfigSyncResponse, reply)
	}}

	res, err := b2.Call(context.Background(), Request{
		AggregateType: "instrument",
		AggregateID:   "ins-1",
		EventType:     events.TypeConfigSyncRequest,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, eventID, res.EventID)
}

// prepareHookStore lets a test observe the enqueued event id before Call
// starts polling.
type prepareHookStore struct {
	outbox.Store
	hook func(eventID string)
}

func (s *prepareHookStore) Enqueue(ctx context.Context, q db.Querier, aggregateType, aggregateID, eventType string, payload []json.RawMessage) (string, error) {
	id, err := s.Store.Enqueue(ctx, q, aggregateType, aggregateID, eventType, payload)
	if err == nil && s.hook != nil {
		s.hook(id)
	}
	return id, err
}
