package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format shared by every message on the bus.
// Payload is always an array, even for single-item events, so multi-item
// replies ("sync all instruments") decode through the same path as
// single-item ones.
type Envelope struct {
	EventID    string            `json:"event_id"`
	EventType  string            `json:"event_type"`
	Source     string            `json:"source"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    []json.RawMessage `json:"payload"`
}

var ErrMalformed = errors.New("malformed envelope")

// New builds an envelope with a fresh event id. Retries of the same logical
// event resend the stored envelope; they never mint a new id.
func New(source, eventType string, payload []json.RawMessage) Envelope {
	if payload == nil {
		payload = []json.RawMessage{}
	}
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Source:     source,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// NewCorrelated builds a reply envelope carrying the event id of the request
// it answers, so the requester can discover it by key equality.
func NewCorrelated(eventID, source, eventType string, payload []json.RawMessage) Envelope {
	e := New(source, eventType, payload)
	e.EventID = eventID
	return e
}

func (e Envelope) Validate() error {
	if e.EventID == "" || e.EventType == "" {
		return ErrMalformed
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return ErrMalformed
	}
	return nil
}

// Item unmarshals one object out of the payload array.
func Item(payload []json.RawMessage, i int, v any) error {
	if i < 0 || i >= len(payload) {
		return errors.New("payload index out of range")
	}
	return json.Unmarshal(payload[i], v)
}

// Marshal wraps v into a single-item payload array.
func Marshal(v any) ([]json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{b}, nil
}

// MarshalAll encodes each element into the payload array.
func MarshalAll[T any](vs []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
