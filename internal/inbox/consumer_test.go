package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

func newTestConsumer(store Store, maxAttempts int) *Consumer {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(log, store, NewMetrics(prometheus.NewRegistry()), maxAttempts)
}

func rawEnvelope(t *testing.T, eventType string) (events.Envelope, []byte) {
	t.Helper()
	env := events.New("test", eventType, nil)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return env, raw
}

func TestHandleAppliesEffectExactlyOnceAcrossRedelivery(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 10)

	applied := 0
	c.Register(events.TypeAnalysisResponse, func(ctx context.Context, q db.Querier, env events.Envelope) error {
		applied++
		return nil
	})

	env, raw := rawEnvelope(t, events.TypeAnalysisResponse)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Handle(context.Background(), raw))
	}

	assert.Equal(t, 1, applied, "redelivered event must not re-run its effect")

	row, err := store.Find(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, row.Status)
}

func TestHandleRollsBackEffectWithSave(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 10)

	boom := errors.New("downstream unavailable")
	calls := 0
	c.Register(events.TypeAnalysisResponse, func(ctx context.Context, q db.Querier, env events.Envelope) error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	})

	env, raw := rawEnvelope(t, events.TypeAnalysisResponse)

	require.Error(t, c.Handle(context.Background(), raw), "failed handler asks for redelivery")
	_, err := store.Find(context.Background(), env.EventID)
	assert.ErrorIs(t, err, ErrNotFound, "failed attempt must not finalize the row")

	require.Error(t, c.Handle(context.Background(), raw))
	require.NoError(t, c.Handle(context.Background(), raw))

	assert.Equal(t, 3, calls)
	row, err := store.Find(context.Background(), env.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, row.Status)
}

func TestHandleParksEventAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 3)

	c.Register(events.TypeAnalysisResponse, func(ctx context.Context, q db.Querier, env events.Envelope) error {
		return errors.New("permanently broken")
	})

	env, raw := rawEnvelope(t, events.TypeAnalysisResponse)

	require.Error(t, c.Handle(context.Background(), raw))
	require.Error(t, c.Handle(context.Background(), raw))
	// Third failure reaches MaxAttempts: the event parks and the offset may
	// be committed, so Handle reports done.
	require.NoError(t, c.Handle(context.Background(), raw))

	exists, err := store.Exists(context.Background(), nil, env.EventID)
	require.NoError(t, err)
	assert.True(t, exists, "dead rows still deduplicate")

	_, err = store.Find(context.Background(), env.EventID)
	assert.ErrorIs(t, err, ErrNotFound, "dead rows never resolve a bridge poll")

	// A redelivered copy of the parked event is skipped as a duplicate.
	require.NoError(t, c.Handle(context.Background(), raw))
}

func TestHandleDropsMalformedWithoutBlockingPartition(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 10)

	applied := 0
	c.Register(events.TypeAnalysisResponse, func(ctx context.Context, q db.Querier, env events.Envelope) error {
		applied++
		return nil
	})

	assert.NoError(t, c.Handle(context.Background(), []byte("{not json")))

	env := events.New("test", events.TypeAnalysisResponse, nil)
	env.EventID = "not-a-uuid"
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NoError(t, c.Handle(context.Background(), raw))

	// The partition keeps moving: a well-formed event right behind the junk
	// still applies.
	_, good := rawEnvelope(t, events.TypeAnalysisResponse)
	require.NoError(t, c.Handle(context.Background(), good))
	assert.Equal(t, 1, applied)
}

func TestHandleDropsUnhandledType(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 10)

	env, raw := rawEnvelope(t, events.TypeMonitoringEvent)
	assert.NoError(t, c.Handle(context.Background(), raw))

	exists, err := store.Exists(context.Background(), nil, env.EventID)
	require.NoError(t, err)
	assert.False(t, exists, "dropped events leave no inbox row")
}

// scriptedSource hands out a fixed message sequence, then blocks like a real
// reader with an empty partition.
type scriptedSource struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits []int64
}

func (s *scriptedSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *scriptedSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.commits = append(s.commits, m.Offset)
	}
	return nil
}

func (s *scriptedSource) committed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.commits...)
}

// The reader's position advances as soon as a message is fetched, so the loop
// must retry a failing handler in place. Skipping ahead would let a later
// commit seal the failed offset and lose the event for good.
func TestRunKafkaRetriesFailedMessageInPlace(t *testing.T) {
	store := NewMemoryStore()
	c := newTestConsumer(store, 10)
	c.RetryBackoff = time.Millisecond

	var mu sync.Mutex
	attempts := map[string]int{}
	c.Register(events.TypeAnalysisResponse, func(ctx context.Context, q db.Querier, env events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[env.EventID]++
		if env.Source == "flaky" && attempts[env.EventID] < 3 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	flaky := events.New("flaky", events.TypeAnalysisResponse, nil)
	steady := events.New("steady", events.TypeAnalysisResponse, nil)
	rawFlaky, err := json.Marshal(flaky)
	require.NoError(t, err)
	rawSteady, err := json.Marshal(steady)
	require.NoError(t, err)

	src := &scriptedSource{queue: []kafka.Message{
		{Offset: 1, Value: rawFlaky},
		{Offset: 2, Value: rawSteady},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunKafka(ctx, src, "analysis-response")
	}()

	deadline := time.After(5 * time.Second)
	for len(src.committed()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("commits: %v", src.committed())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	assert.Equal(t, []int64{1, 2}, src.committed(), "first offset commits only after its handler succeeds")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts[flaky.EventID], "failing message retried in place until applied")
	assert.Equal(t, 1, attempts[steady.EventID])

	row, err := store.Find(context.Background(), flaky.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, row.Status)
}

func TestSaveReportsDuplicateForFinalizedRow(t *testing.T) {
	store := NewMemoryStore()

	row := Row{EventID: "e-1", EventType: events.TypeAnalysisResponse, Payload: []byte("{}")}
	require.NoError(t, store.Save(context.Background(), nil, row))
	assert.ErrorIs(t, store.Save(context.Background(), nil, row), ErrDuplicate)
}

func TestRecordFailureCountsAcrossRollbacks(t *testing.T) {
	store := NewMemoryStore()

	for want := 1; want <= 3; want++ {
		got, err := store.RecordFailure(context.Background(), "e-1", events.TypeAnalysisResponse, []byte("{}"), "boom")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, store.MarkDead(context.Background(), "e-1", "boom"))
	exists, err := store.Exists(context.Background(), nil, "e-1")
	require.NoError(t, err)
	assert.True(t, exists)
}
