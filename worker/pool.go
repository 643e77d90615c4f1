package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opctl/controlplane/errors"
	"github.com/opctl/controlplane/eventbus"
	"github.com/opctl/controlplane/logger"
)

const (
	defaultTaskTimeout  = 5 * time.Minute
	heartbeatInterval   = 30 * time.Second
	maxBackoff          = 30 * time.Second
	shutdownGraceWindow = 30 * time.Second
)

// Pool is the Async Worker Pool: per-queue worker goroutines consuming
// jobs dispatched either through a Redis broker or, when Redis is
// unreachable, inline through an in-process queue. Grounded on
// pulse/async/worker.go's pool-of-goroutines-per-queue shape, with the
// broker-or-inline dispatch decision added on top.
type Pool struct {
	id          string
	store       *store
	registry    *Registry
	broker      *broker
	bus         *eventbus.Bus
	taskTimeout time.Duration

	queues map[string]*localQueue

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// New constructs a Pool. db backs job and heartbeat persistence;
// redisClient may be nil, in which case every job dispatches inline.
func New(db *sql.DB, registry *Registry, redisClient *redis.Client, bus *eventbus.Bus) (*Pool, error) {
	s, err := newStore(db)
	if err != nil {
		return nil, err
	}
	queues := make(map[string]*localQueue, len(concurrencyCaps))
	for q, cap := range concurrencyCaps {
		queues[q] = newLocalQueue(cap * 4)
	}
	return &Pool{
		id:          uuid.NewString(),
		store:       s,
		registry:    registry,
		broker:      newBroker(redisClient, bus),
		bus:         bus,
		taskTimeout: defaultTaskTimeout,
		queues:      queues,
		stopCh:      make(chan struct{}),
	}, nil
}

// Enqueue persists a job and dispatches it, choosing the broker when
// reachable and falling back to inline local-queue execution otherwise.
func (p *Pool) Enqueue(ctx context.Context, queue, handlerName string, payload json.RawMessage) (*Job, error) {
	j := NewJob(queue, handlerName, payload, RetryLimit(queue))
	if err := p.store.save(j); err != nil {
		return nil, err
	}

	q, ok := p.queues[queue]
	if !ok {
		return nil, errors.Newf("worker: unknown queue %q", queue)
	}

	if p.broker.reachable(ctx) {
		if err := p.broker.enqueueRedis(ctx, queue, j.ID); err == nil {
			return j, nil
		}
		logger.WorkerWarnw("worker: redis enqueue failed, falling back inline", "job_id", j.ID, "queue", queue)
	}

	p.broker.emitFallback(j.ID, queue)
	if !q.push(j.ID) {
		return nil, errors.Newf("worker: local queue %q is full", queue)
	}
	return j, nil
}

// Start launches per-queue worker goroutines and the heartbeat loop, and
// recovers any jobs orphaned by a previous process crash.
func (p *Pool) Start(ctx context.Context) {
	for queue := range p.queues {
		n := concurrencyCap(queue)
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go p.runWorker(ctx, queue)
		}
	}
	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	go p.recoverOrphaned(ctx)
}

// recoverOrphaned requeues jobs left StatusRunning by a dead process.
// Recovery is staggered (the first few after a short fixed delay each, then
// the rest with a doubling delay capped at 5s) rather than requeued all at once, to avoid a startup thundering
// herd against the graph store and downstream tool APIs.
func (p *Pool) recoverOrphaned(ctx context.Context) {
	jobs, err := p.store.orphaned()
	if err != nil {
		logger.WorkerWarnw("worker: orphaned job recovery failed", "error", err.Error())
		return
	}
	const warmStartBatch = 3
	delay := 250 * time.Millisecond
	for i, j := range jobs {
		if i >= warmStartBatch {
			delay = time.Duration(math.Min(float64(delay*2), float64(5*time.Second)))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		j.Status = StatusQueued
		_ = p.store.save(j)
		if q, ok := p.queues[j.Queue]; ok {
			q.push(j.ID)
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.store.heartbeat(p.id); err != nil {
				logger.WorkerWarnw("worker: heartbeat write failed", "error", err.Error())
				continue
			}
			if p.bus != nil {
				ev := eventbus.NewEvent("worker.seen", "", "", map[string]interface{}{"worker_id": p.id})
				_ = p.bus.Publish(ev)
			}
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, queue string) {
	defer p.wg.Done()
	q := p.queues[queue]
	for {
		jobID, ok := p.nextJobID(ctx, queue, q)
		if !ok {
			return
		}
		j, err := p.loadJob(jobID)
		if err != nil {
			logger.WorkerWarnw("worker: load job failed", "job_id", jobID, "error", err.Error())
			continue
		}
		p.process(ctx, j, q)
	}
}

// nextJobID pulls from the broker when Redis is configured, falling back
// to the local queue when Redis is absent or the blocking pop times out
// empty, so inline-fallback jobs still get serviced by the same workers.
func (p *Pool) nextJobID(ctx context.Context, queue string, q *localQueue) (string, bool) {
	if p.broker.redis != nil {
		id, err := p.broker.dequeueRedis(ctx, queue, 2*time.Second)
		if err == nil && id != "" {
			return id, true
		}
	}
	select {
	case <-p.stopCh:
		return "", false
	case <-ctx.Done():
		return "", false
	case id, ok := <-q.ch:
		return id, ok
	case <-time.After(200 * time.Millisecond):
		return "", true // loop again; empty tick, not a shutdown signal
	}
}

func (p *Pool) loadJob(jobID string) (*Job, error) {
	// Jobs are looked up by id from the store's async_jobs table rather
	// than carried in the queue message, so the broker payload stays a
	// bare id regardless of job size.
	row := p.store.db.QueryRow(`SELECT id, queue, handler_name, payload, status, retry_count, max_retries, error, created_at, updated_at FROM async_jobs WHERE id = ?`, jobID)
	j := &Job{}
	var status, payload string
	var errStr sql.NullString
	if err := row.Scan(&j.ID, &j.Queue, &j.HandlerName, &payload, &status, &j.RetryCount, &j.MaxRetries, &errStr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, errors.Wrap(err, "worker: load job")
	}
	j.Status = Status(status)
	j.Payload = json.RawMessage(payload)
	if errStr.Valid {
		j.Error = errStr.String
	}
	return j, nil
}

func (p *Pool) process(ctx context.Context, j *Job, q *localQueue) {
	handler, err := p.registry.Lookup(j.HandlerName)
	if err != nil {
		j.markDead(err)
		_ = p.store.save(j)
		p.emitTaskFailed(j)
		return
	}

	j.markRunning()
	_ = p.store.save(j)

	runCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	err = handler.Execute(runCtx, j)
	cancel()

	if err == nil {
		j.markCompleted()
		_ = p.store.save(j)
		return
	}

	j.RetryCount++
	if j.RetryCount > j.MaxRetries {
		j.markDead(err)
		_ = p.store.save(j)
		p.emitTaskFailed(j)
		return
	}

	j.markFailed(err)
	_ = p.store.save(j)

	backoff := backoffWithJitter(j.RetryCount)
	go func() {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		j.Status = StatusQueued
		_ = p.store.save(j)
		q.push(j.ID)
	}()
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempt))) * 250 * time.Millisecond
	if base > maxBackoff {
		base = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

func (p *Pool) emitTaskFailed(j *Job) {
	if p.bus == nil {
		return
	}
	ev := eventbus.NewEvent("task.failed", "", "", map[string]interface{}{
		"job_id":      j.ID,
		"queue":       j.Queue,
		"handler":     j.HandlerName,
		"retry_count": j.RetryCount,
		"error":       j.Error,
	})
	_ = p.bus.Publish(ev)
}

// DeadLetters returns jobs that exhausted retries.
func (p *Pool) DeadLetters() ([]*Job, error) {
	return p.store.deadLettered()
}

// QueueDepth returns the number of jobs buffered in the in-process queue
// for reporting purposes; Redis-dispatched jobs that haven't yet reached a
// worker aren't counted here since that depth lives in the broker.
func (p *Pool) QueueDepth() int {
	total := 0
	for _, q := range p.queues {
		total += len(q.ch)
	}
	return total
}

// LastHeartbeat reports when this pool last recorded a worker.seen
// heartbeat, for telemetry's stale-worker detection.
func (p *Pool) LastHeartbeat() (time.Time, bool, error) {
	return p.store.lastSeen(p.id)
}

// Stop signals all worker goroutines to exit and waits up to
// shutdownGraceWindow for them to drain in-flight jobs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGraceWindow):
		logger.WorkerWarnw("worker: shutdown grace window elapsed with workers still running")
	}
}
