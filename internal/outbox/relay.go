package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labforge/labmesh/internal/shared/events"
)

// Publisher abstracts the bus write so the relay is testable against a flaky
// fake. Production wires kafkax.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Relay drains pending outbox rows onto the bus. One relay loop runs per
// service database; correctness does not depend on it being a singleton
// because claims use row locks and downstream consumers deduplicate.
type Relay struct {
	Store     Store
	Publisher Publisher
	Log       *slog.Logger
	Metrics   *Metrics

	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	// MaxAttempts parks a row as failed after this many publish attempts.
	// Parked rows are never deleted; operators requeue them by hand.
	MaxAttempts int
}

func (r *Relay) pollInterval() time.Duration {
	if r.PollInterval > 0 {
		return r.PollInterval
	}
	return time.Second
}

func (r *Relay) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 25
}

// Run ticks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	r.Log.Info("relay_start",
		slog.Int("batch_size", r.BatchSize),
		slog.String("poll_interval", r.pollInterval().String()),
		slog.Int("max_attempts", r.maxAttempts()),
	)

	for {
		select {
		case <-ctx.Done():
			r.Log.Info("relay_shutdown")
			return
		case <-ticker.C:
			r.Metrics.PollsTotal.Inc()

			if r.ProcessingTimeout > 0 {
				if n, err := r.Store.RequeueStuck(ctx, r.ProcessingTimeout); err != nil {
					r.Log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
				} else if n > 0 {
					r.Metrics.RequeuedTotal.Add(float64(n))
					r.Log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
				}
			}

			if _, err := r.DispatchPending(ctx); err != nil {
				r.Metrics.ClaimErrorsTotal.Inc()
				r.Log.Error("outbox_claim_failed", slog.String("err", err.Error()))
			}

			if age, err := r.Store.OldestPendingAge(ctx); err == nil {
				r.Metrics.LagSeconds.Set(age.Seconds())
			}
		}
	}
}

// DispatchPending claims one batch and publishes it, row by row. A publish
// failure releases the row back to pending, so delivery is at-least-once;
// downstream inbox dedup absorbs the duplicates this can produce.
func (r *Relay) DispatchPending(ctx context.Context) (int, error) {
	recs, err := r.Store.ClaimPending(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	r.Metrics.ClaimedTotal.Add(float64(len(recs)))

	sent := 0
	for _, rec := range recs {
		topic, ok := events.TopicFor(rec.EventType)
		if !ok {
			// No route will ever exist for this type; retrying is pointless.
			r.Metrics.DeadTotal.WithLabelValues(rec.EventType).Inc()
			r.Log.Error("outbox_unroutable",
				slog.Int64("id", rec.ID),
				slog.String("event_type", rec.EventType),
			)
			_ = r.Store.MarkFailed(ctx, rec.ID, fmt.Sprintf("no topic for event type %q", rec.EventType))
			continue
		}

		err := r.Publisher.Publish(ctx, topic, []byte(rec.AggregateID), rec.Payload)
		if err != nil {
			r.Metrics.PublishFailedTotal.WithLabelValues(rec.EventType).Inc()
			r.Log.Error("outbox_publish_failed",
				slog.Int64("id", rec.ID),
				slog.String("event_id", rec.EventID),
				slog.String("topic", topic),
				slog.Int("attempts", rec.Attempts),
				slog.String("err", err.Error()),
			)
			if rec.Attempts >= r.maxAttempts() {
				r.Metrics.DeadTotal.WithLabelValues(rec.EventType).Inc()
				r.Log.Error("outbox_parked", slog.Int64("id", rec.ID), slog.String("event_id", rec.EventID))
				_ = r.Store.MarkFailed(ctx, rec.ID, err.Error())
			} else {
				_ = r.Store.Release(ctx, rec.ID, err.Error())
			}
			continue
		}

		if err := r.Store.MarkDispatched(ctx, rec.ID); err != nil {
			// The publish went out; leaving the row pending re-publishes it,
			// which the inbox dedup tolerates.
			r.Log.Error("outbox_mark_dispatched_failed", slog.Int64("id", rec.ID), slog.String("err", err.Error()))
			_ = r.Store.Release(ctx, rec.ID, err.Error())
			continue
		}

		r.Metrics.PublishedTotal.WithLabelValues(rec.EventType).Inc()
		sent++

		r.Log.Info("outbox_dispatched",
			slog.Int64("id", rec.ID),
			slog.String("event_id", rec.EventID),
			slog.String("aggregate_id", rec.AggregateID),
			slog.String("event_type", rec.EventType),
			slog.Int("attempts", rec.Attempts),
		)
	}
	return sent, nil
}
