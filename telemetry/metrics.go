package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/opctl/controlplane/redact"
)

// Metrics wraps a dedicated Prometheus registry (rather than the global
// default one) so unit tests can construct independent instances without
// colliding on collector registration.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	chatDecisions   *prometheus.CounterVec
	mutationCounter *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	rateLimitReject prometheus.Counter
	processCPU      prometheus.Gauge
	processMemBytes prometheus.Gauge
	redactionDenied prometheus.Gauge
	redactionHashed prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_requests_total",
			Help: "HTTP requests handled, labeled by route and status class.",
		}, []string{"route", "status_class"}),
		chatDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_chat_decisions_total",
			Help: "Chat CP terminal states reached.",
		}, []string{"state"}),
		mutationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_mutations_total",
			Help: "Graph materialization outcomes by kind.",
		}, []string{"outcome"}), // applied | dedup_hit | unhandled | skipped
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_async_queue_depth",
			Help: "Jobs buffered in the in-process async queues.",
		}),
		rateLimitReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_process_cpu_percent",
			Help: "Process CPU utilization percent, sampled on scrape.",
		}),
		processMemBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_process_mem_bytes",
			Help: "Resident memory in bytes, sampled on scrape.",
		}),
		redactionDenied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_redaction_denied_key_dropped_total",
			Help: "Cumulative denied-key payload fields dropped across both redaction boundaries.",
		}),
		redactionHashed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_redaction_string_hashed_total",
			Help: "Cumulative over-length strings replaced with a hash marker across both redaction boundaries.",
		}),
	}

	reg.MustRegister(m.requestsTotal, m.chatDecisions, m.mutationCounter, m.queueDepth, m.rateLimitReject,
		m.processCPU, m.processMemBytes, m.redactionDenied, m.redactionHashed)
	return m
}

func (m *Metrics) ObserveRequest(route, statusClass string) {
	m.requestsTotal.WithLabelValues(route, statusClass).Inc()
}

func (m *Metrics) ObserveChatDecision(state string) {
	m.chatDecisions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveMutation(outcome string) {
	m.mutationCounter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) IncRateLimitRejected() {
	m.rateLimitReject.Inc()
}

// sampleProcessGauges refreshes CPU/memory gauges from gopsutil. Errors are
// swallowed: a scrape should never fail because a resource gauge is
// temporarily unavailable.
func (m *Metrics) sampleProcessGauges() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.processCPU.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.processMemBytes.Set(float64(vm.Used))
	}

	counters := redact.Snapshot()
	m.redactionDenied.Set(float64(counters.DeniedKeyDropped))
	m.redactionHashed.Set(float64(counters.StringHashed))
}
