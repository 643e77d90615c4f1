package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opctl/controlplane/eventbus"
)

// probeTimeout bounds the broker health check: if Redis doesn't answer a
// PING within this window, dispatch falls back to inline execution.
const probeTimeout = 200 * time.Millisecond

// broker decides, per enqueue, whether a job is handed to the durable
// Redis-backed queue or executed inline in the caller's goroutine. Grounded
// on pulse/async/queue.go's single dispatch path, extended with a reachable
// health probe added on top since the prior job queue had no external broker.
type broker struct {
	redis *redis.Client
	bus   *eventbus.Bus
}

func newBroker(redisClient *redis.Client, bus *eventbus.Bus) *broker {
	return &broker{redis: redisClient, bus: bus}
}

// reachable reports whether Redis answers PING within probeTimeout.
func (b *broker) reachable(ctx context.Context) bool {
	if b.redis == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return b.redis.Ping(probeCtx).Err() == nil
}

// emitFallback publishes async.fallback_sync, fire-and-forget, whenever a
// job is executed inline because the broker was unreachable.
func (b *broker) emitFallback(jobID, queue string) {
	if b.bus == nil {
		return
	}
	ev := eventbus.NewEvent("async.fallback_sync", "", "", map[string]interface{}{
		"job_id": jobID,
		"queue":  queue,
	})
	_ = b.bus.Publish(ev)
}

const redisQueueKeyPrefix = "controlplane:async:queue:"

func redisQueueKey(queue string) string {
	return redisQueueKeyPrefix + queue
}

// enqueueRedis pushes a job id onto the queue's Redis list. The job body
// itself lives in the caller's in-memory job store; Redis here only carries
// the dispatch signal across worker processes sharing one broker.
func (b *broker) enqueueRedis(ctx context.Context, queue, jobID string) error {
	return b.redis.LPush(ctx, redisQueueKey(queue), jobID).Err()
}

// dequeueRedis blocks up to timeout for a job id on the queue's Redis list.
func (b *broker) dequeueRedis(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := b.redis.BRPop(ctx, timeout, redisQueueKey(queue)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}
