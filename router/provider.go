// Package router implements the Inference Router: scores provider
// candidates by latency/error/cost/context-fit, streams output, cascades
// through a fallback chain, and records per-provider rolling metrics.
// Grounded on ai/provider/factory.go's adapter pattern (provider kinds,
// auto-select priority) and ai/tracker/usage_tracker.go's persistence
// shape; provider SDKs themselves stay opaque per the non-goal of
// implementing language-model inference directly.
package router

import (
	"context"
)

// Kind mirrors the Provider.kind enum from the graph data model: chat,
// scraper, tts, stt, ...
type Kind string

// StreamChunk is one piece of a streamed provider response.
type StreamChunk struct {
	Text  string
	Done  bool
	Error error
}

// Provider is the opaque interface every inference backend implements.
// Concrete implementations (local model, hosted API, ...) are out of
// scope here — providers stay opaque, with inference itself never
// implemented directly.
type Provider interface {
	ID() string
	Kind() Kind
	// Stream dispatches a request and streams chunks onto the returned
	// channel. The channel is closed when the stream ends (success,
	// error, or context cancellation).
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Request describes one inference call. ConversationID and TurnID key the
// Run node the outcome materializes to (sha256(conversation_id ∥ turn_id));
// both must be set by the caller for run.step events to converge onto one
// Run per turn rather than a single shared node.
type Request struct {
	Kind            Kind
	ContextSize     int
	LatencyBudgetMS int
	TraceID         string
	ConversationID  string
	TurnID          string
}

// Candidate is a scored provider considered for a single request.
type Candidate struct {
	Provider Provider
	Score    float64
}
