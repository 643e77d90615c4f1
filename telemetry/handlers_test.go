package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFreshness struct {
	ts map[string]time.Time
}

func (f fakeFreshness) Freshness(layer string) (time.Time, bool) {
	ts, ok := f.ts[layer]
	return ts, ok
}

type fakeAsync struct {
	depth int
	seen  time.Time
	ok    bool
}

func (f fakeAsync) QueueDepth() int { return f.depth }
func (f fakeAsync) LastHeartbeat() (time.Time, bool, error) { return f.seen, f.ok, nil }

func TestTelemetry_AlwaysReturns200WithNoBackends(t *testing.T) {
	h := New(NewMetrics(), NewRecorder(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/telemetry", nil)
	w := httptest.NewRecorder()
	h.Telemetry(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body telemetryBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.True(t, body.Graph.Summary.IntegrityDegraded)
	require.Equal(t, "unknown", body.Async.WorkerSeen)
}

func TestHealth_DegradedWhenAnyLayerStale(t *testing.T) {
	fresh := fakeFreshness{ts: map[string]time.Time{
		"Run": time.Now().UTC().Add(-10 * time.Minute), // older than 5m staleness window
	}}
	h := New(NewMetrics(), NewRecorder(), fresh, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
}

func TestHealth_OkWhenAllLayersLive(t *testing.T) {
	ts := map[string]time.Time{}
	for _, l := range DefaultLayers {
		ts[l] = time.Now().UTC()
	}
	h := New(NewMetrics(), NewRecorder(), fakeFreshness{ts: ts}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	var body healthBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestRecorder_P95AndErrorRate(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < 100; i++ {
		r.RecordRequest(float64(i), i%10 == 0)
	}
	stats := r.RequestStats()
	require.Equal(t, 100, stats.TotalLastHour)
	require.InDelta(t, 0.1, stats.ErrorRate, 0.01)
	require.Greater(t, stats.P95MS, 80.0)
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	h := New(NewMetrics(), NewRecorder(), nil, fakeAsync{depth: 3, ok: true, seen: time.Now()})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.MetricsHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "controlplane_async_queue_depth")
}
