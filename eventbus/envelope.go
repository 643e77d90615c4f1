// Package eventbus implements the Event Bus: a structured, versioned
// event envelope with in-process bounded fan-out, a durable
// JSONL append-only log, and an optional WebSocket broadcast with HTTP
// replay. Grounded on server/broadcast.go's non-blocking per-client send
// and server/wslogs/transport.go's SendFunc-routed broadcast.
package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/opctl/controlplane/redact"
)

// SchemaVersion is the current event_v1 schema version.
const SchemaVersion = 1

// Event is the event_v1 envelope. Immutable once emitted.
type Event struct {
	EventID        string                 `json:"event_id"`
	Seq            uint64                 `json:"seq"`
	Ts             time.Time              `json:"ts"`
	Kind           string                 `json:"kind"`
	SchemaVersion  int                    `json:"schema_version"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	TraceID        string                 `json:"trace_id"`
	Payload        map[string]interface{} `json:"payload"`
}

// NewEvent constructs an event with a fresh event_id (if absent) and a UTC
// timestamp, and runs the payload through redaction. seq is assigned by the
// bus at publish time, not here.
func NewEvent(kind, conversationID, traceID string, payload map[string]interface{}) Event {
	redacted, counters := redact.Payload(payload, redact.MaxStrLenLog)
	redact.Accumulate(counters)
	return Event{
		EventID:        uuid.NewString(),
		Ts:             time.Now().UTC(),
		Kind:           kind,
		SchemaVersion:  SchemaVersion,
		ConversationID: conversationID,
		TraceID:        traceID,
		Payload:        redacted,
	}
}
