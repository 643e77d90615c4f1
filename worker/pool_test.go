package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/opctl/controlplane/errors"
)

func newTestPool(t *testing.T) (*Pool, *Registry) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := NewRegistry()
	p, err := New(db, reg, nil, nil) // nil redis client: every job dispatches inline
	require.NoError(t, err)
	return p, reg
}

func TestEnqueue_InlineFallbackWhenNoBroker(t *testing.T) {
	p, reg := newTestPool(t)
	done := make(chan struct{}, 1)
	reg.Register("noop", HandlerFunc(func(ctx context.Context, j *Job) error {
		done <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	_, err := p.Enqueue(ctx, QueueToolsRO, "noop", json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestProcess_RetriesThenDeadLetters(t *testing.T) {
	p, reg := newTestPool(t)
	calls := make(chan struct{}, 10)
	reg.Register("always_fails", HandlerFunc(func(ctx context.Context, j *Job) error {
		calls <- struct{}{}
		return errors.New("boom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	j, err := p.Enqueue(ctx, QueueToolsRO, "always_fails", json.RawMessage(`{}`))
	require.NoError(t, err)

	// QueueToolsRO allows 1 retry, so 2 total attempts before dead-lettering.
	deadline := time.After(10 * time.Second)
	seen := 0
	for seen < 2 {
		select {
		case <-calls:
			seen++
		case <-deadline:
			t.Fatalf("only saw %d attempts", seen)
		}
	}

	require.Eventually(t, func() bool {
		dead, err := p.DeadLetters()
		require.NoError(t, err)
		for _, d := range dead {
			if d.ID == j.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEnqueue_UnknownHandlerDeadLettersImmediately(t *testing.T) {
	p, _ := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	j, err := p.Enqueue(ctx, QueueHousekeeping, "does_not_exist", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dead, err := p.DeadLetters()
		require.NoError(t, err)
		for _, d := range dead {
			if d.ID == j.ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRetryLimit_PerQueueDefaults(t *testing.T) {
	require.Equal(t, 3, RetryLimit(QueueToolsMut))
	require.Equal(t, 1, RetryLimit(QueueToolsRO))
	require.Equal(t, 2, RetryLimit(QueueHousekeeping))
}
