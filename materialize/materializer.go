package materialize

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/graphstore"
	"github.com/opctl/controlplane/logger"
	"github.com/opctl/controlplane/redact"
)

// Counters exposes the mutation dispatch counters surfaced on the
// telemetry endpoint.
type Counters struct {
	DedupHit  atomic.Int64
	Unhandled atomic.Int64
	Skipped   atomic.Int64
	Applied   atomic.Int64
}

// Materializer is the GML: a single subscriber to the event bus. Grounded
// on pulse/async/handler.go's RegistryExecutor dispatch loop, repurposed
// from job execution to event-to-graph-mutation dispatch.
type Materializer struct {
	bus     *eventbus.Bus
	store   *graphstore.Store
	dedupe  *dedupeStore
	mutMap  MutationMap
	counters Counters

	freshnessMu sync.Mutex
	freshness   map[string]time.Time // component id -> last_update_ts
}

// New creates a Materializer. db is the raw *sql.DB backing the dedupe
// store (kept separate from the graph store's own db so dedupe survives
// independently of graph circuit state).
func New(bus *eventbus.Bus, store *graphstore.Store, db *sql.DB, mutMap MutationMap) (*Materializer, error) {
	dedupe, err := newDedupeStore(db)
	if err != nil {
		return nil, err
	}
	return &Materializer{
		bus:       bus,
		store:     store,
		dedupe:    dedupe,
		mutMap:    mutMap,
		freshness: make(map[string]time.Time),
	}, nil
}

// Run subscribes to the bus and processes events until ctx is cancelled.
// Failure of the GML never blocks the publisher, Chat CP, or the async
// worker pool — every error path here logs and continues.
func (m *Materializer) Run(ctx context.Context) {
	ch, unsubscribe := m.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.process(ev)
		}
	}
}

func (m *Materializer) process(ev eventbus.Event) {
	entry, ok := m.mutMap[ev.Kind]
	if !ok {
		m.counters.Unhandled.Add(1)
		return
	}

	stableKey := entry.StableKey(ev)
	mutationID := MutationID(ev.EventID, entry.MutationKind, stableKey)

	seen, err := m.dedupe.Seen(mutationID)
	if err != nil {
		logger.MaterializeInfow("materialize: dedupe check failed", "mutation_id", mutationID, "error", err.Error())
		return
	}
	if seen {
		m.counters.DedupHit.Add(1)
		return
	}

	props := map[string]interface{}{}
	if entry.BuildProps != nil {
		props = entry.BuildProps(ev)
	}
	redactedProps, redactCounters := redact.Payload(props, redact.MaxStrLenGraph)
	redact.Accumulate(redactCounters)

	var rels []graphstore.Relationship
	if entry.BuildRelations != nil {
		rels = entry.BuildRelations(ev, stableKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = m.store.UpsertAndRelateGuarded(ctx, stableKey, entry.Labels, redactedProps, rels, entry.StatusGuard)
	if errors.Is(err, graphstore.ErrUnavailable) {
		m.counters.Skipped.Add(1)
		return
	}
	if err != nil {
		logger.MaterializeInfow("materialize: upsert failed", "mutation_id", mutationID, "error", err.Error())
		return
	}

	if err := m.dedupe.Record(mutationID); err != nil {
		logger.MaterializeInfow("materialize: record dedupe failed", "mutation_id", mutationID, "error", err.Error())
	}
	m.counters.Applied.Add(1)
	m.touchFreshness(entry.Labels)
}

func (m *Materializer) touchFreshness(labels []string) {
	m.freshnessMu.Lock()
	defer m.freshnessMu.Unlock()
	now := time.Now().UTC()
	for _, l := range labels {
		m.freshness[l] = now
	}
}

// Freshness returns the last_update_ts observed for a canonical layer name.
func (m *Materializer) Freshness(layer string) (time.Time, bool) {
	m.freshnessMu.Lock()
	defer m.freshnessMu.Unlock()
	t, ok := m.freshness[layer]
	return t, ok
}

// Replay re-applies events from a durable-log checkpoint to the GML.
// Mutation-id idempotency makes this safe to call with duplicate or
// overlapping event slices.
func (m *Materializer) Replay(events []eventbus.Event) {
	for _, ev := range events {
		m.process(ev)
	}
}
