// Package ratelimit implements the Rate Limiter: a token bucket per
// caller_id with per-route overrides, backed primarily by a shared KV
// store and falling back to a process-local bucket on store error.
// Grounded on pulse/budget/limiter.go's injectable-clock shape,
// adapted from sliding-window to token-bucket semantics via
// golang.org/x/time/rate, with github.com/redis/go-redis/v9 as the shared
// backend.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/logger"
)

// RouteLimit is a per-route rate/burst override, e.g. /chat: 60/min burst 100.
type RouteLimit struct {
	Route string
	Rate  rate.Limit // tokens per second
	Burst int
}

// Outcome is the advisory result of a rate-limit check.
type Outcome struct {
	Allowed    bool
	RetryAfter time.Duration
	Fallback   bool // true if the shared KV store was unreachable
}

// Limiter is the Rate Limiter. On any KV store error (timeout, unreachable,
// auth failure), and on every call when no KV store is configured, it falls
// back to a process-local bucket and raises the rate_limit.fallback counter.
type Limiter struct {
	redis  *redis.Client
	routes map[string]RouteLimit
	bus    *eventbus.Bus

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
	clock    func() time.Time

	fallbackCount uint64
}

// New creates a Limiter. redisClient may be nil, in which case the limiter
// always runs in fallback mode (useful for tests and for deployments
// without Redis configured).
func New(redisClient *redis.Client, routes []RouteLimit, bus *eventbus.Bus) *Limiter {
	routeMap := make(map[string]RouteLimit, len(routes))
	for _, r := range routes {
		routeMap[r.Route] = r
	}
	return &Limiter{
		redis:    redisClient,
		routes:   routeMap,
		bus:      bus,
		fallback: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

func (l *Limiter) routeLimit(route string) RouteLimit {
	if rl, ok := l.routes[route]; ok {
		return rl
	}
	return RouteLimit{Route: route, Rate: rate.Limit(1), Burst: 1}
}

// Allow checks whether callerID may proceed on route: primary path is the
// shared KV store; on any store error it falls back to a process-local
// bucket and increments rate_limit.fallback. The decision is always
// emitted as an event (fire-and-forget) so the graph sees it.
func (l *Limiter) Allow(ctx context.Context, callerID, route string) Outcome {
	rl := l.routeLimit(route)
	key := "ratelimit:" + route + ":" + callerID

	outcome := Outcome{}
	if l.redis != nil {
		allowed, retryAfter, err := l.allowRedis(ctx, key, rl)
		if err == nil {
			outcome = Outcome{Allowed: allowed, RetryAfter: retryAfter}
		} else {
			logger.Logger.Warnw("ratelimit: kv store error, falling back", "error", err.Error())
			outcome = l.allowFallback(callerID, route, rl)
			outcome.Fallback = true
			l.mu.Lock()
			l.fallbackCount++
			l.mu.Unlock()
		}
	} else {
		outcome = l.allowFallback(callerID, route, rl)
		outcome.Fallback = true
		l.mu.Lock()
		l.fallbackCount++
		l.mu.Unlock()
	}

	l.emitDecision(callerID, route, outcome)
	return outcome
}

// allowRedis implements a fixed-window token bucket using INCR + EXPIRE,
// the simplest primitive that composes correctly under concurrent callers
// without Lua scripting.
func (l *Limiter) allowRedis(ctx context.Context, key string, rl RouteLimit) (bool, time.Duration, error) {
	window := time.Second
	if rl.Rate > 0 {
		window = time.Duration(float64(rl.Burst) / float64(rl.Rate) * float64(time.Second))
	}
	if window <= 0 {
		window = time.Second
	}

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "ratelimit: redis incr")
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, errors.Wrap(err, "ratelimit: redis expire")
		}
	}

	if int(count) <= rl.Burst {
		return true, 0, nil
	}

	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		ttl = window
	}
	return false, ttl, nil
}

func (l *Limiter) allowFallback(callerID, route string, rl RouteLimit) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := route + ":" + callerID
	lim, ok := l.fallback[key]
	if !ok {
		lim = rate.NewLimiter(rl.Rate, rl.Burst)
		l.fallback[key] = lim
	}

	if lim.AllowN(l.clock(), 1) {
		return Outcome{Allowed: true}
	}
	return Outcome{Allowed: false, RetryAfter: time.Second}
}

func (l *Limiter) emitDecision(callerID, route string, outcome Outcome) {
	if l.bus == nil {
		return
	}
	payload := map[string]interface{}{
		"caller_id": callerID,
		"route":     route,
		"allowed":   outcome.Allowed,
		"fallback":  outcome.Fallback,
	}
	ev := eventbus.NewEvent("rate_limit.decision", "", callerID, payload)
	_ = l.bus.Publish(ev)
}

// FallbackCount returns how many times the KV store has been bypassed, for telemetry.
func (l *Limiter) FallbackCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fallbackCount
}
