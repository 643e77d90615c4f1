package graphstore

import (
	"sync"
	"time"
)

// circuitBreaker trips after a configured number of consecutive failures
// and stays open for a cooldown period before allowing a probe through.
// Grounded on the consecutive-failure counting and backoff in the worker
// pool's poll loop; no third-party breaker library exists anywhere in the
// example corpus, so this is hand-rolled.
type circuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	openedAt         time.Time
	open             bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.open = false
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}

// isOpen reports whether the breaker currently rejects calls. After the
// cooldown elapses it half-opens: the next single call is let through as a
// probe, and the breaker resets its window so a failing probe re-opens it
// immediately via recordFailure.
func (b *circuitBreaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return false
	}
	if time.Since(b.openedAt) >= b.cooldown {
		// half-open: let one probe through, reset the counter so a single
		// failure re-trips immediately rather than requiring `threshold` more.
		b.open = false
		b.consecutiveFails = b.threshold - 1
		return false
	}
	return true
}

func (b *circuitBreaker) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return "open"
	}
	if b.consecutiveFails > 0 {
		return "half_open"
	}
	return "closed"
}
