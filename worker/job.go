// Package worker implements the Async Worker Pool: background execution
// for non-critical tasks across per-queue concurrency caps, with a
// durable-broker-or-inline-fallback dispatch policy, retries with
// backoff, per-task timeouts, and a dead-letter list. Directly adapts
// pulse/async/job.go, queue.go, store.go, worker.go, and handler.go,
// with a Redis-backed broker added as the primary dispatch path.
package worker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names for per-queue concurrency caps.
const (
	QueueToolsRO          = "tools_ro"
	QueueToolsMut         = "tools_mut"
	QueueGraphIngestHeavy = "graph_ingest_heavy"
	QueueTTS              = "tts"
	QueueHousekeeping     = "housekeeping"
)

// Status mirrors a job's lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead_letter"
)

// Job is one unit of async work.
type Job struct {
	ID          string
	Queue       string
	HandlerName string
	Payload     json.RawMessage
	Status      Status
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// NewJob constructs a queued job with a fresh id.
func NewJob(queue, handlerName string, payload json.RawMessage, maxRetries int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		HandlerName: handlerName,
		Payload:     payload,
		Status:      StatusQueued,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) markRunning() {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

func (j *Job) markCompleted() {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

func (j *Job) markFailed(err error) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.Error = err.Error()
	j.UpdatedAt = now
}

func (j *Job) markDead(err error) {
	now := time.Now().UTC()
	j.Status = StatusDead
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// RetryLimit returns the default max-retries for a queue: at most 3 for
// tools_mut, 1 for tools_ro.
func RetryLimit(queue string) int {
	switch queue {
	case QueueToolsMut:
		return 3
	case QueueToolsRO:
		return 1
	default:
		return 2
	}
}
