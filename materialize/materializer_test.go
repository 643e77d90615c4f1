package materialize

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
)

func newTestMaterializer(t *testing.T) (*Materializer, *eventbus.Bus, *graphstore.Store) {
	t.Helper()
	bus, err := eventbus.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	store, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), graphstore.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(bus, store, db, DefaultMutationMap())
	require.NoError(t, err)
	return m, bus, store
}

func TestProcess_UnhandledKindIncrementsCounter(t *testing.T) {
	m, _, _ := newTestMaterializer(t)
	ev := eventbus.NewEvent("voice.session.started", "", "t1", nil)
	m.process(ev)
	require.Equal(t, int64(1), m.counters.Unhandled.Load())
}

func TestProcess_AppliesMutationOnce(t *testing.T) {
	m, _, store := newTestMaterializer(t)
	ev := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": true, "latency_ms": 120.0,
	})

	m.process(ev)
	require.Equal(t, int64(1), m.counters.Applied.Load())

	rows, err := store.Query(context.Background(), "Run", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestProcess_SameEventTwiceIsDeduped(t *testing.T) {
	m, _, _ := newTestMaterializer(t)
	ev := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": true,
	})
	ev.EventID = "fixed-event-id"

	m.process(ev)
	m.process(ev)

	require.Equal(t, int64(1), m.counters.Applied.Load())
	require.Equal(t, int64(1), m.counters.DedupHit.Load())
}

func TestReplay_IsIdempotent(t *testing.T) {
	m, _, _ := newTestMaterializer(t)
	ev := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": true,
	})
	ev.EventID = "fixed-event-id"

	events := make([]eventbus.Event, 1000)
	for i := range events {
		events[i] = ev
	}
	m.Replay(events)

	require.Equal(t, int64(1), m.counters.Applied.Load())
	require.Equal(t, int64(999), m.counters.DedupHit.Load())
}

func TestProcess_RunStatusNeverReopensOnceTerminal(t *testing.T) {
	m, _, store := newTestMaterializer(t)

	ok := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": true,
	})
	ok.EventID = "ev-1"
	m.process(ok)

	degraded := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": false,
	})
	degraded.EventID = "ev-2"
	m.process(degraded)

	rows, err := store.Query(context.Background(), "Run", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "both events key the same Run node")
	require.Equal(t, "ok", rows[0].Props["status"], "terminal Run.status must not be reopened by a later event")
}

func TestProcess_ApprovalStatusResolvesExactlyOnce(t *testing.T) {
	m, _, store := newTestMaterializer(t)

	approved := eventbus.NewEvent("control_room.approval.resolved", "", "t1", map[string]interface{}{
		"approval_id": "appr-1", "status": "approved", "resolved_by": "u1",
	})
	approved.EventID = "ev-1"
	m.process(approved)

	rejected := eventbus.NewEvent("control_room.approval.resolved", "", "t1", map[string]interface{}{
		"approval_id": "appr-1", "status": "rejected", "resolved_by": "u2",
	})
	rejected.EventID = "ev-2"
	m.process(rejected)

	rows, err := store.Query(context.Background(), "Approval", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "approved", rows[0].Props["status"], "a resolved Approval must not resolve a second time")
}

func TestProcess_RunStepMaterializesFallbackAndSelectedEdges(t *testing.T) {
	m, _, store := newTestMaterializer(t)

	ev := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id":    "conv-1",
		"turn_id":            "turn-1",
		"success":            true,
		"picked_provider":    "provider-b",
		"fallback_providers": []interface{}{"provider-a"},
	})
	m.process(ev)

	rows, err := store.Query(context.Background(), "Run", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	edges, err := store.Edges(context.Background(), rows[0].ID)
	require.NoError(t, err)

	var selected, fallback int
	for _, e := range edges {
		role, _ := e.Props["role"].(string)
		switch role {
		case "selected":
			selected++
			require.Equal(t, "provider-b", e.ToID)
		case "fallback":
			fallback++
			require.Equal(t, "provider-a", e.ToID)
		}
	}
	require.Equal(t, 1, selected)
	require.Equal(t, 1, fallback)
}

func TestTouchFreshness_UpdatesOnSuccessfulMutation(t *testing.T) {
	m, _, _ := newTestMaterializer(t)
	ev := eventbus.NewEvent("run.step", "conv-1", "t1", map[string]interface{}{
		"conversation_id": "conv-1", "turn_id": "turn-1", "success": true,
	})

	before := time.Now().UTC()
	m.process(ev)

	ts, ok := m.Freshness("Run")
	require.True(t, ok)
	require.True(t, !ts.Before(before))
}
