package chatcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/policy"
	"github.com/opctl/controlplane/ratelimit"
	"github.com/opctl/controlplane/router"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	bus, err := eventbus.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	limiter := ratelimit.New(nil, []ratelimit.RouteLimit{{Route: "chat", Rate: 100, Burst: 100}}, bus)
	rtr := router.New(router.DefaultWeights(), 3, 0, bus)
	eng := policy.NewRegistry(policy.DefaultRules()...)

	return New(limiter, rtr, eng, bus, nil)
}

func TestHandle_ReadOnlyWithNoProvidersIsDegraded(t *testing.T) {
	c := newTestController(t)
	resp := c.Handle(context.Background(), ChatRequest{Message: "what is the status of run-1?", UserID: "u1"})
	require.Equal(t, StateDegraded, resp.State) // no configured providers -> local fallback used
	require.NotEmpty(t, resp.Message)
	require.NotEmpty(t, resp.ConversationID)
	require.NotEmpty(t, resp.TraceID)
}

func TestHandle_HighConfidenceMutatingWithoutPolicyRuleIsBlocked(t *testing.T) {
	c := newTestController(t)
	resp := c.Handle(context.Background(), ChatRequest{Message: "please delete the staging branch", UserID: "u1"})
	require.Equal(t, StateBlocked, resp.State)
}

func TestHandle_RateLimitedReturnsBlockedWithRetryAfter(t *testing.T) {
	bus, err := eventbus.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	limiter := ratelimit.New(nil, []ratelimit.RouteLimit{{Route: "chat", Rate: 1, Burst: 1}}, bus)
	rtr := router.New(router.DefaultWeights(), 3, 0, bus)
	eng := policy.NewRegistry(policy.DefaultRules()...)
	c := New(limiter, rtr, eng, bus, nil)

	_ = c.Handle(context.Background(), ChatRequest{Message: "hello", UserID: "u2"})
	resp := c.Handle(context.Background(), ChatRequest{Message: "hello again", UserID: "u2"})

	require.Equal(t, StateBlocked, resp.State)
	require.Equal(t, "rate_limited", resp.Reason)
}

func TestHandle_ConversationIDGeneratedWhenAbsent(t *testing.T) {
	c := newTestController(t)
	resp := c.Handle(context.Background(), ChatRequest{Message: "hi there", UserID: "u3"})
	require.NotEmpty(t, resp.ConversationID)
}
