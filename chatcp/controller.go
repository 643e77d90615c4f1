// Package chatcp implements the Chat Control Plane: the synchronous
// request orchestrator that sits in front of rate limiting, intent
// classification, the policy gate, and the inference router. Grounded on
// server/server.go's explicit-struct-of-dependencies wiring idiom and
// pulse/schedule/execution.go's stage/state bookkeeping shape.
package chatcp

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/logger"
	"github.com/opctl/controlplane/policy"
	"github.com/opctl/controlplane/ratelimit"
	"github.com/opctl/controlplane/router"
)

// CandidateSource enumerates provider candidates for a request kind,
// filtered by enabled flags and non-tripped circuit state. Kept as an
// interface so chatcp never depends on graphstore directly. The server
// wiring passes nil, in which case only the local fallback provider is
// routed to.
type CandidateSource interface {
	Candidates(ctx context.Context, kind router.Kind) ([]router.Provider, map[string]int, error)
}

// ChatRequest is the /chat request body.
type ChatRequest struct {
	Message        string
	UserID         string
	ConversationID string
}

// ChatResponse is the /chat response body.
type ChatResponse struct {
	Message        string
	ConversationID string
	TraceID        string
	State          State
	Reason         string
	RetryAfter     time.Duration
}

// Controller wires rate limiting, intent classification, the policy gate,
// and the router into one synchronous request path.
type Controller struct {
	limiter    *ratelimit.Limiter
	router     *router.Router
	policy     policy.Engine
	bus        *eventbus.Bus
	candidates CandidateSource
}

func New(limiter *ratelimit.Limiter, rtr *router.Router, policyEngine policy.Engine, bus *eventbus.Bus, candidates CandidateSource) *Controller {
	return &Controller{limiter: limiter, router: rtr, policy: policyEngine, bus: bus, candidates: candidates}
}

// Handle runs one request through the full state machine and returns the
// response alongside the terminal state, for the HTTP layer to map onto a
// status code.
func (c *Controller) Handle(ctx context.Context, req ChatRequest) ChatResponse {
	traceID := uuid.NewString()
	turnID := uuid.NewString()
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	degraded := false
	degradedReason := ""

	// RATE_CHECK
	rcStart := time.Now()
	outcome := c.limiter.Allow(ctx, req.UserID, "chat")
	if !outcome.Allowed {
		c.emitTrace(traceID, conversationID, StateBlocked, "rate_limited")
		return ChatResponse{
			ConversationID: conversationID, TraceID: traceID,
			State: StateBlocked, Reason: "rate_limited", RetryAfter: outcome.RetryAfter,
		}
	}
	if time.Since(rcStart) > stageBudgets[StateRateCheck] {
		degraded, degradedReason = true, "rate_check_timeout"
	}

	// INTENT_CLASSIFY
	icStart := time.Now()
	intent := classifyHeuristic(req.Message)
	if time.Since(icStart) > stageBudgets[StateIntentClassify] {
		degraded, degradedReason = true, "intent_classify_timeout"
	}

	// POLICY_GATE
	pgStart := time.Now()
	decision, err := c.policy.Evaluate(ctx, policy.Request{
		UserID:         req.UserID,
		ConversationID: conversationID,
		IntentLabel:    intent.Label,
		Confidence:     intent.Confidence,
		Mutating:       intent.Mutating,
		PolicyIDs:      policyIDsFor(req.Message),
	})
	if err != nil {
		c.emitTrace(traceID, conversationID, StateFailed, "policy_gate_error")
		return ChatResponse{ConversationID: conversationID, TraceID: traceID, State: StateFailed, Reason: "policy_gate_error"}
	}
	if time.Since(pgStart) > stageBudgets[StatePolicyGate] {
		degraded, degradedReason = true, "policy_gate_timeout"
	}
	if decision.Verdict == policy.Deny {
		c.emitTrace(traceID, conversationID, StateBlocked, decision.ReasonSafe)
		return ChatResponse{ConversationID: conversationID, TraceID: traceID, State: StateBlocked, Reason: decision.ReasonSafe}
	}
	if decision.Verdict == policy.NeedsApproval {
		c.emitTrace(traceID, conversationID, StateBlocked, decision.ReasonSafe)
		return ChatResponse{
			ConversationID: conversationID, TraceID: traceID, State: StateBlocked,
			Message: "This request needs approval before it can proceed.", Reason: decision.ReasonSafe,
		}
	}

	// ROUTE + PROVIDER_STREAM
	routeStart := time.Now()
	candidates, ctxSizes := c.enumerateCandidates(ctx, router.Kind("chat"))
	routerReq := router.Request{
		Kind: "chat", ContextSize: len(req.Message), TraceID: traceID,
		ConversationID: conversationID, TurnID: turnID,
	}
	routeOutcome := c.router.Route(ctx, routerReq, candidates, ctxSizes)
	if time.Since(routeStart) > stageBudgets[StateRoute] {
		degraded, degradedReason = true, "route_timeout"
	}

	if ctx.Err() != nil {
		c.emitTrace(traceID, conversationID, StateTimedOut, "request_deadline_exceeded")
		return ChatResponse{ConversationID: conversationID, TraceID: traceID, State: StateTimedOut, Reason: "request_deadline_exceeded"}
	}

	if routeOutcome.Degraded {
		c.emitTrace(traceID, conversationID, StateFailed, routeOutcome.FinalErrorKind)
		return ChatResponse{ConversationID: conversationID, TraceID: traceID, State: StateFailed, Reason: routeOutcome.FinalErrorKind}
	}

	message := drainChunks(routeOutcome.Chunks)

	// RESPONSE_COMPOSE
	state := StateDone
	reason := ""
	if degraded || routeOutcome.PickedProvider == localFallbackID {
		state = StateDegraded
		reason = degradedReason
		if reason == "" {
			reason = "fallback_provider_used"
		}
	}

	// TRACE_EMIT (fire-and-forget)
	c.emitTrace(traceID, conversationID, state, reason)

	return ChatResponse{
		Message: message, ConversationID: conversationID, TraceID: traceID,
		State: state, Reason: reason,
	}
}

// enumerateCandidates queries the candidate source and always appends the
// deterministic local fallback provider last, so Route never runs out of
// candidates even with no configured providers or an unreachable graph.
func (c *Controller) enumerateCandidates(ctx context.Context, kind router.Kind) ([]router.Provider, map[string]int) {
	var candidates []router.Provider
	ctxSizes := map[string]int{}
	if c.candidates != nil {
		if cs, sizes, err := c.candidates.Candidates(ctx, kind); err == nil {
			candidates = cs
			ctxSizes = sizes
		} else {
			logger.Logger.Warnw("chatcp: candidate enumeration failed, using local fallback only", "error", err.Error())
		}
	}
	candidates = append(candidates, localFallbackProvider{})
	return candidates, ctxSizes
}

func drainChunks(chunks <-chan router.StreamChunk) string {
	if chunks == nil {
		return ""
	}
	text := ""
	for chunk := range chunks {
		text += chunk.Text
	}
	return text
}

func (c *Controller) emitTrace(traceID, conversationID string, state State, reason string) {
	if c.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"state":  string(state),
		"reason": reason,
	}
	ev := eventbus.NewEvent("chat.trace", conversationID, traceID, payload)
	_ = c.bus.Publish(ev)
}
