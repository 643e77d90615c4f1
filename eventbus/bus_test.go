package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublish_AssignsMonotonicSeq(t *testing.T) {
	b := newTestBus(t)

	ev1 := NewEvent("chat.message", "conv-1", "trace-1", map[string]interface{}{"x": 1})
	ev2 := NewEvent("chat.message", "conv-1", "trace-1", map[string]interface{}{"x": 2})

	require.NoError(t, b.Publish(ev1))
	require.NoError(t, b.Publish(ev2))

	ch, unsub := b.Subscribe()
	defer unsub()

	ev3 := NewEvent("chat.message", "conv-1", "trace-1", nil)
	require.NoError(t, b.Publish(ev3))

	select {
	case got := <-ch:
		require.Equal(t, uint64(3), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := newTestBus(t)

	ch, unsub := b.Subscribe()
	defer unsub()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < subscriberBufferSize+10; i++ {
		ev := NewEvent("chat.message", "conv-1", "trace-1", nil)
		done := make(chan struct{})
		go func() {
			_ = b.Publish(ev)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a full subscriber channel")
		}
	}

	require.Greater(t, b.DroppedCount(), int64(0))
	require.NotEmpty(t, ch)
}

func TestPublish_AppendsToDurableLogSynchronously(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	defer b.Close()

	ev := NewEvent("run.step", "conv-1", "trace-1", map[string]interface{}{"status": "ok"})
	require.NoError(t, b.Publish(ev))

	events, err := ReadFrom(dir, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "run.step", events[0].Kind)
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	ch, unsub := b.Subscribe()
	unsub()

	require.NoError(t, b.Publish(NewEvent("chat.message", "", "t", nil)))

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected closed channel, got neither a value nor a close")
	}
}

func TestReadFrom_SeqFromIsInclusive(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(NewEvent("chat.message", "conv-1", "trace-1", nil)))
	}

	all, err := ReadFrom(dir, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)

	fromMiddle, err := ReadFrom(dir, 3)
	require.NoError(t, err)
	require.Len(t, fromMiddle, 3)
}
