package router

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// ewmaAlpha weights how quickly rolling metrics respond to new samples.
const ewmaAlpha = 0.2

// providerMetrics holds exponentially-weighted moving averages for one
// provider, plus the state needed to drive its circuit breaker. Grounded
// on ai/tracker/usage_tracker.go's per-model rolling stats, adapted from
// SQL-aggregated windows to in-memory EWMA updated after every call.
type providerMetrics struct {
	mu sync.Mutex

	latencyP99EWMA float64
	errorRateEWMA  float64
	costUnitsEWMA  float64

	consecutiveFails int
	tripThreshold    int
	cooldown         time.Duration
	openedAt         time.Time
	open             bool
}

func newProviderMetrics(tripThreshold int, cooldown time.Duration) *providerMetrics {
	if tripThreshold <= 0 {
		tripThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &providerMetrics{tripThreshold: tripThreshold, cooldown: cooldown}
}

func (m *providerMetrics) recordSuccess(latencyMS float64, costUnits float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyP99EWMA = ewma(m.latencyP99EWMA, latencyMS)
	m.errorRateEWMA = ewma(m.errorRateEWMA, 0)
	m.costUnitsEWMA = ewma(m.costUnitsEWMA, costUnits)
	m.consecutiveFails = 0
	m.open = false
}

func (m *providerMetrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorRateEWMA = ewma(m.errorRateEWMA, 1)
	m.consecutiveFails++
	if m.consecutiveFails >= m.tripThreshold {
		m.open = true
		m.openedAt = time.Now()
	}
}

func (m *providerMetrics) circuitOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return false
	}
	if time.Since(m.openedAt) >= m.cooldown {
		// half-open: admit a single probe
		m.open = false
		m.consecutiveFails = m.tripThreshold - 1
		return false
	}
	return true
}

func (m *providerMetrics) snapshot() (latencyP99, errorRate, costUnits float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencyP99EWMA, m.errorRateEWMA, m.costUnitsEWMA
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// tieBreakHash returns a deterministic value from trace_id ∥ provider_id
// used to spread load evenly across candidates when scores tie.
func tieBreakHash(traceID, providerID string) uint64 {
	sum := sha256.Sum256([]byte(traceID + providerID))
	return binary.BigEndian.Uint64(sum[:8])
}
