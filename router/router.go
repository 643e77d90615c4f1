package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/logger"
)

// Weights controls the candidate scoring formula:
// score = w_lat·norm(latency_p99) + w_err·error_rate + w_cost·cost_units + w_ctx·ctx_fit_penalty
// Weights are feature flags in the full deployment; defaults are provided here.
type Weights struct {
	Latency float64
	Error   float64
	Cost    float64
	CtxFit  float64
}

func DefaultWeights() Weights {
	return Weights{Latency: 0.4, Error: 0.4, Cost: 0.1, CtxFit: 0.1}
}

// Outcome is the result of Route: either a successful stream from the
// picked provider, or a degraded/failed result after fallback exhaustion.
type Outcome struct {
	PickedProvider string
	FallbacksCount int
	Degraded       bool
	FinalErrorKind string
	Chunks         <-chan StreamChunk
}

// Router selects a provider for a request and records outcomes. Candidate
// enumeration is left to the caller (it queries the graph for providers
// serving a kind, filtered by enabled flags and non-tripped circuit
// state); Router itself owns scoring, picking, the fallback cascade, and
// per-provider metrics/circuit state.
type Router struct {
	weights      Weights
	maxFallbacks int
	callTimeout  time.Duration
	bus          *eventbus.Bus

	metricsMu sync.Mutex
	metrics   map[string]*providerMetrics
}

func New(weights Weights, maxFallbacks int, callTimeout time.Duration, bus *eventbus.Bus) *Router {
	if maxFallbacks <= 0 {
		maxFallbacks = 3
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Router{
		weights:      weights,
		maxFallbacks: maxFallbacks,
		callTimeout:  callTimeout,
		bus:          bus,
		metrics:      make(map[string]*providerMetrics),
	}
}

// metricsFor returns the providerMetrics for providerID, creating it on
// first use. Called concurrently from Controller.Handle (one goroutine per
// in-flight /chat request) and from the per-stream completion goroutine in
// Route, so the map itself needs its own lock distinct from providerMetrics'
// internal one.
func (r *Router) metricsFor(providerID string) *providerMetrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	m, ok := r.metrics[providerID]
	if !ok {
		m = newProviderMetrics(5, 30*time.Second)
		r.metrics[providerID] = m
	}
	return m
}

func normLatency(latencyMS float64) float64 {
	const cap = 5000.0 // ms, beyond which latency is maximally penalized
	if latencyMS > cap {
		return 1
	}
	return latencyMS / cap
}

func ctxFitPenalty(ctxSize, requestCtxSize int) float64 {
	if ctxSize <= 0 || requestCtxSize <= ctxSize {
		return 0
	}
	return 1
}

// score computes the weighted sum for one candidate.
func (r *Router) score(p Provider, req Request, providerCtxSize int) float64 {
	m := r.metricsFor(p.ID())
	latencyP99, errorRate, costUnits := m.snapshot()

	return r.weights.Latency*normLatency(latencyP99) +
		r.weights.Error*errorRate +
		r.weights.Cost*costUnits +
		r.weights.CtxFit*ctxFitPenalty(providerCtxSize, req.ContextSize)
}

// rank orders candidates: highest score first, ties broken by lowest
// rolling error rate, then deterministic hash of trace_id∥provider_id.
func (r *Router) rank(candidates []Provider, req Request, providerCtxSizes map[string]int) []Provider {
	type scored struct {
		p         Provider
		score     float64
		errorRate float64
		tieHash   uint64
	}

	scoredList := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		_, errRate, _ := r.metricsFor(p.ID()).snapshot()
		scoredList = append(scoredList, scored{
			p:         p,
			score:     r.score(p, req, providerCtxSizes[p.ID()]),
			errorRate: errRate,
			tieHash:   tieBreakHash(req.TraceID, p.ID()),
		})
	}

	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].score != scoredList[j].score {
			return scoredList[i].score > scoredList[j].score // highest score wins
		}
		if scoredList[i].errorRate != scoredList[j].errorRate {
			return scoredList[i].errorRate < scoredList[j].errorRate
		}
		return scoredList[i].tieHash < scoredList[j].tieHash
	})

	out := make([]Provider, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.p
	}
	return out
}

// Route scores and ranks candidates, calls the top pick, and cascades
// through fallbacks on failure (timeout, error, malformed stream),
// recording per-provider EWMA metrics and a `run.step` event on completion.
func (r *Router) Route(ctx context.Context, req Request, candidates []Provider, providerCtxSizes map[string]int) Outcome {
	ranked := r.rank(candidates, req, providerCtxSizes)

	var lastErrKind string
	fallbacks := 0
	var triedAndFailed []string

	for i, p := range ranked {
		if i > r.maxFallbacks {
			break
		}
		if r.metricsFor(p.ID()).circuitOpen() {
			continue
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		chunks, err := p.Stream(callCtx, req)
		if err != nil {
			cancel()
			r.metricsFor(p.ID()).recordFailure()
			lastErrKind = "transport"
			fallbacks++
			triedAndFailed = append(triedAndFailed, p.ID())
			continue
		}

		// Wrap the provider's channel so we observe completion/failure and
		// can record metrics + emit run.step without the caller needing to.
		out := make(chan StreamChunk, 8)
		go func(p Provider, chunks <-chan StreamChunk, cancel context.CancelFunc, fallbackProviders []string) {
			defer cancel()
			failed := false
			for chunk := range chunks {
				if chunk.Error != nil {
					failed = true
				}
				out <- chunk
				if chunk.Done {
					break
				}
			}
			close(out)
			latencyMS := float64(time.Since(start).Milliseconds())
			if failed {
				r.metricsFor(p.ID()).recordFailure()
			} else {
				r.metricsFor(p.ID()).recordSuccess(latencyMS, 1)
			}
			r.emitRunStep(req, p.ID(), !failed, latencyMS, fallbacks, fallbackProviders)
		}(p, chunks, cancel, append([]string(nil), triedAndFailed...))

		return Outcome{PickedProvider: p.ID(), FallbacksCount: fallbacks, Chunks: out}
	}

	if lastErrKind == "" {
		lastErrKind = "no_candidates"
	}
	r.emitRunStep(req, "", false, 0, fallbacks, triedAndFailed)
	return Outcome{Degraded: true, FinalErrorKind: lastErrKind, FallbacksCount: fallbacks}
}

// emitRunStep publishes the run.step event that the GML materializes into
// the Run node keyed on sha256(conversation_id ∥ turn_id), plus the list of
// providers tried and abandoned before pickedProvider so the GML can
// materialize used_provider{role:fallback} edges to each of them.
func (r *Router) emitRunStep(req Request, pickedProvider string, success bool, latencyMS float64, fallbacksCount int, fallbackProviders []string) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"conversation_id": req.ConversationID,
		"turn_id":         req.TurnID,
		"picked_provider": pickedProvider,
		"success":         success,
		"latency_ms":      latencyMS,
		"fallbacks_count": fallbacksCount,
	}
	if len(fallbackProviders) > 0 {
		ids := make([]interface{}, len(fallbackProviders))
		for i, id := range fallbackProviders {
			ids[i] = id
		}
		payload["fallback_providers"] = ids
	}
	ev := eventbus.NewEvent("run.step", req.ConversationID, req.TraceID, payload)
	if err := r.bus.Publish(ev); err != nil {
		logger.RouterInfow("router: failed to emit run.step", "error", err.Error())
	}
}

// ErrNoCandidates is returned conceptually via Outcome.FinalErrorKind when
// no candidate providers were available or all circuits were open.
var ErrNoCandidates = errors.New("router: no candidates available")
