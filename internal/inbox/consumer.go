package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/labforge/labmesh/internal/shared/db"
	"github.com/labforge/labmesh/internal/shared/events"
)

// HandlerFunc applies the business effect of one event. It runs inside the
// same unit of work that records the event id, so a crash or error between
// effect and record is never observable: both happen or neither does. Any
// further outbound call made here must go through the outbox on the same
// Querier, never fire-and-forget.
type HandlerFunc func(ctx context.Context, q db.Querier, env events.Envelope) error

// Consumer dispatches envelopes to registered handlers with at-most-once
// effect per event id.
type Consumer struct {
	Log     *slog.Logger
	Store   Store
	Metrics *Metrics
	// MaxAttempts parks an event as dead after this many handler failures,
	// so a permanently failing handler cannot wedge its partition.
	MaxAttempts int
	// RetryBackoff is the pause between in-place retries of a failed
	// handler. Zero means 300ms.
	RetryBackoff time.Duration

	handlers map[string]HandlerFunc
}

func NewConsumer(log *slog.Logger, store Store, m *Metrics, maxAttempts int) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Consumer{
		Log:         log,
		Store:       store,
		Metrics:     m,
		MaxAttempts: maxAttempts,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Register binds fn to an event type. Register all handlers before the
// consume loop starts; the map is not guarded afterwards.
func (c *Consumer) Register(eventType string, fn HandlerFunc) {
	c.handlers[eventType] = fn
}

// errDropped distinguishes the silent-commit paths inside the transaction
// closure from real handler failures.
var errDropped = errors.New("dropped")

// Handle processes one raw message. A nil return means the message is done
// with (applied, duplicate, malformed, unroutable, or dead) and its offset
// may be committed; an error means it should be redelivered.
func (c *Consumer) Handle(ctx context.Context, raw []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.drop("", "malformed", slog.String("err", err.Error()))
		return nil
	}
	if err := env.Validate(); err != nil {
		c.drop(env.EventType, "malformed", slog.String("event_id", env.EventID))
		return nil
	}

	fn, ok := c.handlers[env.EventType]
	if !ok {
		c.drop(env.EventType, "unhandled", slog.String("event_id", env.EventID))
		return nil
	}

	duplicate := false
	err := c.Store.InTx(ctx, func(ctx context.Context, q db.Querier) error {
		done, err := c.Store.Exists(ctx, q, env.EventID)
		if err != nil {
			return err
		}
		if done {
			duplicate = true
			return errDropped
		}

		if err := fn(ctx, q, env); err != nil {
			return fmt.Errorf("handler %s: %w", env.EventType, err)
		}

		if err := c.Store.Save(ctx, q, Row{
			EventID:   env.EventID,
			EventType: env.EventType,
			Payload:   raw,
		}); err != nil {
			if errors.Is(err, ErrDuplicate) {
				duplicate = true
				return errDropped
			}
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		c.Metrics.ProcessedTotal.WithLabelValues(env.EventType, "ok").Inc()
		c.Log.Info("inbox_applied",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
		)
		return nil
	case duplicate:
		c.Metrics.ProcessedTotal.WithLabelValues(env.EventType, "duplicate").Inc()
		c.Log.Info("inbox_skip_duplicate",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
		)
		return nil
	default:
		return c.failed(ctx, env, raw, err)
	}
}

// failed records the durable attempt count for a rolled-back handler and
// decides between redelivery and parking the event.
func (c *Consumer) failed(ctx context.Context, env events.Envelope, raw []byte, cause error) error {
	c.Metrics.ProcessedTotal.WithLabelValues(env.EventType, "error").Inc()

	attempts, err := c.Store.RecordFailure(ctx, env.EventID, env.EventType, raw, cause.Error())
	if err != nil {
		c.Log.Error("inbox_record_failure_failed",
			slog.String("event_id", env.EventID),
			slog.String("err", err.Error()),
		)
		return cause
	}

	if attempts >= c.MaxAttempts {
		if err := c.Store.MarkDead(ctx, env.EventID, cause.Error()); err != nil {
			c.Log.Error("inbox_mark_dead_failed",
				slog.String("event_id", env.EventID),
				slog.String("err", err.Error()),
			)
			return cause
		}
		c.Metrics.DeadTotal.WithLabelValues(env.EventType).Inc()
		c.Log.Error("inbox_parked",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.Int("attempts", attempts),
			slog.String("err", cause.Error()),
		)
		return nil
	}

	c.Log.Error("inbox_handle_failed",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.Int("attempts", attempts),
		slog.String("err", cause.Error()),
	)
	return cause
}

func (c *Consumer) drop(eventType, outcome string, attrs ...any) {
	if eventType == "" {
		eventType = "unknown"
	}
	c.Metrics.ProcessedTotal.WithLabelValues(eventType, outcome).Inc()
	c.Log.Warn("inbox_dropped", append([]any{
		slog.String("event_type", eventType),
		slog.String("outcome", outcome),
	}, attrs...)...)
}

// MessageSource is the subset of kafkax.Consumer the loop needs.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RunKafka fetches, handles, and commits until ctx is cancelled. A failing
// handler is retried in place with backoff until Handle declares the message
// done with (applied, duplicate, or parked as dead); only then is the offset
// committed and the next message fetched. The reader's position has already
// advanced past a fetched message, so moving on before Handle returns nil
// would lose the event once a later offset commits.
func (c *Consumer) RunKafka(ctx context.Context, src MessageSource, topic string) {
	c.Log.Info("consumer_start", slog.String("topic", topic))

	for {
		select {
		case <-ctx.Done():
			c.Log.Info("consumer_shutdown", slog.String("topic", topic))
			return
		default:
		}

		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.Log.Error("kafka_fetch_failed", slog.String("topic", topic), slog.String("err", err.Error()))
			time.Sleep(c.retryBackoff())
			continue
		}

		for {
			if err := c.Handle(ctx, msg.Value); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				c.Log.Info("consumer_shutdown", slog.String("topic", topic))
				return
			case <-time.After(c.retryBackoff()):
			}
		}

		if err := src.CommitMessages(ctx, msg); err != nil {
			c.Log.Error("kafka_commit_failed", slog.String("topic", topic), slog.String("err", err.Error()))
		}
	}
}

func (c *Consumer) retryBackoff() time.Duration {
	if c.RetryBackoff > 0 {
		return c.RetryBackoff
	}
	return 300 * time.Millisecond
}
