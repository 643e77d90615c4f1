package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAllow_FallbackAdmitsAtCapacity(t *testing.T) {
	l := New(nil, []RouteLimit{{Route: "/chat", Rate: rate.Limit(1000), Burst: 3}}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := l.Allow(ctx, "user-1", "/chat")
		require.True(t, out.Allowed, "request %d should be admitted within burst capacity", i)
		require.True(t, out.Fallback)
	}

	out := l.Allow(ctx, "user-1", "/chat")
	require.False(t, out.Allowed, "request one above burst capacity should be rejected")
}

func TestAllow_PerCallerIsolation(t *testing.T) {
	l := New(nil, []RouteLimit{{Route: "/chat", Rate: rate.Limit(1000), Burst: 1}}, nil)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "user-a", "/chat").Allowed)
	require.False(t, l.Allow(ctx, "user-a", "/chat").Allowed)
	require.True(t, l.Allow(ctx, "user-b", "/chat").Allowed, "a different caller must have its own bucket")
}

func TestAllow_UnknownRouteGetsConservativeDefault(t *testing.T) {
	l := New(nil, nil, nil)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "user-1", "/unlisted").Allowed)
	require.False(t, l.Allow(ctx, "user-1", "/unlisted").Allowed)
}

func TestFallbackCount_IncrementsWhenNoRedisConfigured(t *testing.T) {
	l := New(nil, []RouteLimit{{Route: "/chat", Rate: rate.Limit(1000), Burst: 10}}, nil)
	l.Allow(context.Background(), "user-1", "/chat")
	require.Equal(t, uint64(1), l.FallbackCount())
}
