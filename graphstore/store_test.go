package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	s, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndRelate_IdempotentOnPrimaryKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertAndRelate(ctx, "run-1", []string{"Run"}, map[string]interface{}{"status": "running"}, nil)
	require.NoError(t, err)

	err = s.UpsertAndRelate(ctx, "run-1", []string{"Run"}, map[string]interface{}{"status": "ok"}, nil)
	require.NoError(t, err)

	rows, err := s.Query(ctx, "Run", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ok", rows[0].Props["status"])
}

func TestUpsertAndRelate_RelationshipUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rel := []Relationship{{Kind: "USED_PROVIDER", ToID: "provider-1", Props: map[string]interface{}{"role": "selected"}}}
	require.NoError(t, s.UpsertAndRelate(ctx, "run-1", []string{"Run"}, nil, rel))
	require.NoError(t, s.UpsertAndRelate(ctx, "run-1", []string{"Run"}, nil, rel))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM graph_edges WHERE from_id = ?`, "run-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpsertAndRelateGuarded_RejectsDisallowedStatusTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	onlyForward := func(existing, incoming map[string]interface{}) map[string]interface{} {
		merged := map[string]interface{}{}
		for k, v := range existing {
			merged[k] = v
		}
		if existing["status"] == "ok" {
			return merged // terminal: incoming status ignored
		}
		for k, v := range incoming {
			merged[k] = v
		}
		return merged
	}

	require.NoError(t, s.UpsertAndRelateGuarded(ctx, "run-1", []string{"Run"}, map[string]interface{}{"status": "ok"}, nil, onlyForward))
	require.NoError(t, s.UpsertAndRelateGuarded(ctx, "run-1", []string{"Run"}, map[string]interface{}{"status": "degraded"}, nil, onlyForward))

	rows, err := s.Query(ctx, "Run", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ok", rows[0].Props["status"], "terminal status must not be reopened")
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newCircuitBreaker(3, 10*time.Millisecond)
	require.False(t, b.isOpen())
	b.recordFailure()
	b.recordFailure()
	require.False(t, b.isOpen())
	b.recordFailure()
	require.True(t, b.isOpen())
}

func TestCircuitBreaker_HalfOpensAfterCooldown(t *testing.T) {
	b := newCircuitBreaker(1, 5*time.Millisecond)
	b.recordFailure()
	require.True(t, b.isOpen())

	time.Sleep(10 * time.Millisecond)
	require.False(t, b.isOpen(), "breaker should half-open and admit a probe after cooldown")
}

func TestQuery_FailsOpenWhenCircuitOpen(t *testing.T) {
	s := openTestStore(t)
	s.breaker.open = true
	s.breaker.openedAt = time.Now()
	s.breaker.cooldown = time.Hour

	_, err := s.Query(context.Background(), "Run", 10)
	require.ErrorIs(t, err, ErrUnavailable)
}
