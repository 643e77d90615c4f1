package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opctl/controlplane/redact"
)

// AsyncStatus is the source of the /telemetry async section.
type AsyncStatus interface {
	QueueDepth() int
	LastHeartbeat() (time.Time, bool, error)
}

// Handlers bundles everything the three observability endpoints need.
type Handlers struct {
	Metrics         *Metrics
	Recorder        *Recorder
	Freshness       FreshnessSource
	Layers          []string
	Async           AsyncStatus
	AsyncEnabled    bool
	MaterializerAge func() (time.Time, bool) // last applied mutation, any layer
	StalenessWindow time.Duration
}

func New(metrics *Metrics, recorder *Recorder, freshness FreshnessSource, async AsyncStatus) *Handlers {
	return &Handlers{
		Metrics:         metrics,
		Recorder:        recorder,
		Freshness:       freshness,
		Layers:          DefaultLayers,
		Async:           async,
		AsyncEnabled:    true,
		StalenessWindow: defaultStalenessWindow,
	}
}

type healthBody struct {
	Status string `json:"status"`
}

// Health returns GET /health: a compact rollup derived from layer
// freshness. "unknown" dependencies never produce a 5xx — degraded health
// is still reported with HTTP 200, consistent with /telemetry's contract.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	layers := h.layerStatuses(now)
	summary := summarize(layers)

	status := "ok"
	if summary.StaleCount > 0 {
		status = "degraded"
	}
	if summary.LiveCount == 0 && summary.UnknownCount == len(layers) {
		status = "unknown"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthBody{Status: status})
}

func (h *Handlers) layerStatuses(now time.Time) []LayerStatus {
	layers := make([]LayerStatus, 0, len(h.Layers))
	if h.Freshness == nil {
		for _, l := range h.Layers {
			layers = append(layers, LayerStatus{Layer: l, Status: "unknown"})
		}
		return layers
	}
	for _, l := range h.Layers {
		layers = append(layers, classifyLayer(h.Freshness, l, now, h.StalenessWindow))
	}
	return layers
}

type telemetryBody struct {
	Requests  RequestStats     `json:"requests"`
	Chat      map[string]int64 `json:"chat_decisions"`
	Async     asyncBody        `json:"async"`
	Graph     graphBody        `json:"graph"`
	Redaction redact.Counters  `json:"redaction"`
}

type asyncBody struct {
	Enabled            bool   `json:"async_enabled"`
	WorkerSeen         string `json:"worker_seen"`
	MaterializerStale  bool   `json:"materializer_stale"`
	QueueDepth         int    `json:"queue_depth"`
}

type graphBody struct {
	Layers  []LayerStatus `json:"layers"`
	Summary GraphSummary  `json:"summary"`
}

// Telemetry returns GET /telemetry: always HTTP 200 with a syntactically
// complete structure, even when every backend dependency is unreachable —
// unreachable fields render as "unknown" and integrity_degraded is set.
func (h *Handlers) Telemetry(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	layers := h.layerStatuses(now)
	summary := summarize(layers)

	workerSeen := "unknown"
	queueDepth := 0
	materializerStale := summary.StaleCount > 0 || summary.UnknownCount > 0

	if h.Async != nil {
		queueDepth = h.Async.QueueDepth()
		if ts, ok, err := h.Async.LastHeartbeat(); err == nil && ok {
			if now.Sub(ts) > heartbeatStaleWindow {
				workerSeen = "stale"
			} else {
				workerSeen = "live"
			}
		}
	}

	var reqStats RequestStats
	var decisions map[string]int64
	if h.Recorder != nil {
		reqStats = h.Recorder.RequestStats()
		decisions = h.Recorder.ChatDecisions()
	} else {
		decisions = map[string]int64{}
	}

	body := telemetryBody{
		Requests: reqStats,
		Chat:     decisions,
		Async: asyncBody{
			Enabled:           h.AsyncEnabled,
			WorkerSeen:        workerSeen,
			MaterializerStale: materializerStale,
			QueueDepth:        queueDepth,
		},
		Graph:     graphBody{Layers: layers, Summary: summary},
		Redaction: redact.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // always 200, even with integrity_degraded set
	_ = json.NewEncoder(w).Encode(body)
}

// heartbeatStaleWindow matches the 30s worker.seen cadence with enough
// slack (3x) to absorb one missed tick before flagging a worker down.
const heartbeatStaleWindow = 90 * time.Second

// MetricsHandler serves GET /metrics in Prometheus text format, sampling
// process resource gauges first.
func (h *Handlers) MetricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Async != nil {
			h.Metrics.SetQueueDepth(h.Async.QueueDepth())
		}
		h.Metrics.sampleProcessGauges()
		promhttp.HandlerFor(h.Metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
