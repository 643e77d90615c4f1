package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opctl/controlplane/logger"
	"github.com/opctl/controlplane/redact"
)

const subscriberBufferSize = 256

// Bus is the in-process Event Bus. Publish is a single non-blocking call:
// it redacts, appends synchronously to the durable log, then fans out to
// subscribers without ever letting a slow subscriber block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextSubID   int
	log         *durableLog
	seq         uint64
	droppedTotal atomic.Int64

	// per-conversation serialization: events sharing a conversation_id are
	// delivered to each subscriber in publish order. publishMu is held for
	// the whole of Publish, which gives global publish-order serialization, a stronger
	// guarantee than strictly needed, so no extra bookkeeping is required
	// here.
	publishMu sync.Mutex

	external ExternalBroadcaster
}

// ExternalBroadcaster is implemented by the optional WebSocket layer. Bus
// calls it asynchronously (in a goroutine) so a slow or absent broadcaster
// never affects Publish latency.
type ExternalBroadcaster interface {
	Broadcast(ev Event)
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// New creates a Bus backed by a durable JSONL log rooted at eventsDir.
func New(eventsDir string) (*Bus, error) {
	log, err := newDurableLog(eventsDir, 0)
	if err != nil {
		return nil, err
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		log:         log,
	}, nil
}

// SetExternalBroadcaster attaches the optional WebSocket broadcaster. Safe
// to call once at server wiring time, before Publish is used concurrently.
func (b *Bus) SetExternalBroadcaster(ext ExternalBroadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.external = ext
}

// Publish assigns seq, fills event_id/ts if absent, redacts the payload
// (a no-op for a payload NewEvent already redacted), appends synchronously to the
// durable log, then dispatches to subscribers on bounded channels. It never
// blocks on a slow subscriber — if a subscriber's channel is full, that
// event is dropped for that subscriber only and the dropped-events counter
// increments.
func (b *Bus) Publish(ev Event) error {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.seq++
	ev.Seq = b.seq
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}
	redacted, counters := redact.Payload(ev.Payload, redact.MaxStrLenLog)
	redact.Accumulate(counters)
	ev.Payload = redacted

	if err := b.log.Append(ev); err != nil {
		// The durable log is the source of replay truth; a failure to
		// append is logged but must not block the publisher or propagate
		// to the request path.
		logger.Logger.Errorw("eventbus: durable append failed", "event_id", ev.EventID, "error", err.Error())
	}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	ext := b.external
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			b.droppedTotal.Add(1)
		}
	}

	if ext != nil {
		go ext.Broadcast(ev)
	}

	return nil
}

// Subscribe returns a receive-only channel of events and an unsubscribe
// function. The channel is bounded; a slow reader will miss events rather
// than stall the publisher.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.subscribers, id)
		}
	}

	return sub.ch, unsubscribe
}

// DroppedCount returns the cumulative count of events dropped for slow
// subscribers, for telemetry.
func (b *Bus) DroppedCount() int64 {
	return b.droppedTotal.Load()
}

// Close flushes and closes the durable log.
func (b *Bus) Close() error {
	return b.log.Close()
}
