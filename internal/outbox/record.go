package outbox

import (
	"encoding/json"
	"time"
)

type Status string

const (
	// StatusPending rows are waiting for the relay. Rows stay pending across
	// publish failures; at-least-once delivery is the contract.
	StatusPending Status = "pending"
	// StatusProcessing marks a row claimed by a relay tick. Crashed claims are
	// returned to pending by RequeueStuck.
	StatusProcessing Status = "processing"
	StatusDispatched Status = "dispatched"
	// StatusFailed rows exhausted their publish attempts. They are surfaced
	// for operators and never deleted.
	StatusFailed Status = "failed"
)

// Record is one staged event. Payload holds the serialized envelope; its
// presence implies the business transaction that produced it committed.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  time.Time
}
