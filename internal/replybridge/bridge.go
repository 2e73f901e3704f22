// Package replybridge makes an asynchronous request/response conversation
// look synchronous to an HTTP caller: it writes a correlated request through
// the outbox, then polls the inbox for a reply under the same event id,
// giving up with an "accepted" result at the deadline.
package replybridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/labforge/labmesh/internal/inbox"
	"github.com/labforge/labmesh/internal/outbox"
	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// Request describes one bridged call. Prepare, when set, runs in the same
// unit of work as the enqueue; flows use it for local writes that must commit
// atomically with the request (eager reagent-cache deletes, install rows).
type Request struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []json.RawMessage
	Prepare       func(ctx context.Context, q db.Querier) error
}

// Result is either the resolved reply payload or an accepted marker. An
// accepted result is not an error: the request is committed and the reply may
// still arrive after the caller has gone away; EventID lets it follow up.
type Result struct {
	Accepted bool
	EventID  string
	Payload  []json.RawMessage
}

type Bridge struct {
	Outbox  outbox.Store
	Inbox   inbox.Store
	Log     *slog.Logger
	Metrics *Metrics

	// PollInterval and Deadline bound the wait; both are configuration, not
	// constants, so tests can shrink them.
	PollInterval time.Duration
	Deadline     time.Duration

	// Now and Wait are clock hooks for tests: Now reads the time, Wait
	// pauses between polls. Defaults are time.Now and a timer bounded by
	// ctx. A Wait error means the caller went away.
	Now  func() time.Time
	Wait func(ctx context.Context, d time.Duration) error
}

func (b *Bridge) pollInterval() time.Duration {
	if b.PollInterval > 0 {
		return b.PollInterval
	}
	return 200 * time.Millisecond
}

func (b *Bridge) deadline() time.Duration {
	if b.Deadline > 0 {
		return b.Deadline
	}
	return 5 * time.Second
}

func (b *Bridge) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bridge) wait(ctx context.Context, d time.Duration) error {
	if b.Wait != nil {
		return b.Wait(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Call enqueues the request and waits for the correlated reply. The enqueue
// commits before any waiting starts; a timeout or cancellation abandons only
// the synchronous observation, never the request itself.
func (b *Bridge) Call(ctx context.Context, req Request) (Result, error) {
	var eventID string
	err := b.Outbox.InTx(ctx, func(ctx context.Context, q db.Querier) error {
		if req.Prepare != nil {
			if err := req.Prepare(ctx, q); err != nil {
				return err
			}
		}
		id, err := b.Outbox.Enqueue(ctx, q, req.AggregateType, req.AggregateID, req.EventType, req.Payload)
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	start := b.now()
	deadline := start.Add(b.deadline())

	for {
		row, err := b.Inbox.Find(ctx, eventID)
		if err == nil {
			var env events.Envelope
			if uerr := json.Unmarshal(row.Payload, &env); uerr != nil {
				return Result{}, uerr
			}
			b.observe(start, "resolved")
			return Result{EventID: eventID, Payload: env.Payload}, nil
		}
		if !errors.Is(err, inbox.ErrNotFound) {
			// Transient store error: keep polling, the deadline bounds us.
			b.Log.Warn("bridge_poll_failed",
				slog.String("event_id", eventID),
				slog.String("err", err.Error()),
			)
		}

		if !b.now().Before(deadline) {
			b.observe(start, "accepted")
			b.Log.Info("bridge_accepted",
				slog.String("event_id", eventID),
				slog.String("event_type", req.EventType),
			)
			return Result{Accepted: true, EventID: eventID}, nil
		}

		if err := b.wait(ctx, b.pollInterval()); err != nil {
			// Treat local interruption as a timeout: the enqueue already
			// committed, only the synchronous observation is abandoned.
			b.observe(start, "accepted")
			return Result{Accepted: true, EventID: eventID}, nil
		}
	}
}

func (b *Bridge) observe(start time.Time, outcome string) {
	if b.Metrics == nil {
		return
	}
	b.Metrics.CallsTotal.WithLabelValues(outcome).Inc()
	b.Metrics.WaitSeconds.Observe(b.now().Sub(start).Seconds())
}
