package inbox

import (
	"encoding/json"
	"time"
)

type Status string

const (
	// StatusDone marks an event whose business effect was applied. The row is
	// the dedup guard: once present, redelivery is a no-op.
	StatusDone Status = "done"
	// StatusRetrying tracks durable attempt counts for a handler that keeps
	// failing. Retrying rows do not count as processed.
	StatusRetrying Status = "retrying"
	// StatusDead parks an event whose handler exhausted its attempts. The
	// offset is committed so one poison message cannot block the topic.
	StatusDead Status = "dead"
)

// Row records one consumed event. EventID is unique; concurrent handlers for
// the same event are serialized by that constraint.
type Row struct {
	ID          int64
	EventID     string
	EventType   string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	LastError   string
	ProcessedAt time.Time
}
