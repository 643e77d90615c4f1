package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	id      string
	fail    bool
	delay   time.Duration
}

func (f *fakeProvider) ID() string  { return f.id }
func (f *fakeProvider) Kind() Kind  { return "chat" }

func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	ch := make(chan StreamChunk, 2)
	go func() {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		ch <- StreamChunk{Text: "hello"}
		ch <- StreamChunk{Text: "", Done: true}
		close(ch)
	}()
	return ch, nil
}

func drain(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	timeout := time.After(time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
			if c.Done {
				return out
			}
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestRoute_HappyPathPicksBestCandidate(t *testing.T) {
	r := New(DefaultWeights(), 3, time.Second, nil)
	primary := &fakeProvider{id: "primary"}

	out := r.Route(context.Background(), Request{Kind: "chat", TraceID: "t1"}, []Provider{primary}, nil)
	require.Equal(t, "primary", out.PickedProvider)
	require.False(t, out.Degraded)

	chunks := drain(t, out.Chunks)
	require.NotEmpty(t, chunks)
}

func TestRoute_FallsBackOnPrimaryFailure(t *testing.T) {
	r := New(DefaultWeights(), 3, time.Second, nil)
	primary := &fakeProvider{id: "primary", fail: true}
	secondary := &fakeProvider{id: "secondary"}

	// Both start with equal scores and error rates, so the trace_id∥provider_id
	// hash decides the order; for trace "t2" it ranks primary first.
	out := r.Route(context.Background(), Request{Kind: "chat", TraceID: "t2"}, []Provider{primary, secondary}, nil)
	require.Equal(t, "secondary", out.PickedProvider)
	require.Equal(t, 1, out.FallbacksCount)
}

func TestRoute_DegradedWhenAllCandidatesFail(t *testing.T) {
	r := New(DefaultWeights(), 3, time.Second, nil)
	a := &fakeProvider{id: "a", fail: true}
	b := &fakeProvider{id: "b", fail: true}

	out := r.Route(context.Background(), Request{Kind: "chat", TraceID: "t1"}, []Provider{a, b}, nil)
	require.True(t, out.Degraded)
	require.NotEmpty(t, out.FinalErrorKind)
}

func TestCircuitBreaker_SkipsTrippedProvider(t *testing.T) {
	r := New(DefaultWeights(), 3, time.Second, nil)
	flaky := &fakeProvider{id: "flaky"}
	m := r.metricsFor("flaky")
	for i := 0; i < 5; i++ {
		m.recordFailure()
	}
	require.True(t, m.circuitOpen())

	backup := &fakeProvider{id: "backup"}
	out := r.Route(context.Background(), Request{Kind: "chat", TraceID: "t1"}, []Provider{flaky, backup}, nil)
	require.Equal(t, "backup", out.PickedProvider)
}

func TestTieBreakHash_DeterministicForSameInputs(t *testing.T) {
	h1 := tieBreakHash("trace-1", "provider-a")
	h2 := tieBreakHash("trace-1", "provider-a")
	require.Equal(t, h1, h2)
}
