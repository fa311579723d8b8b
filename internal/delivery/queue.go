package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/clickguard/internal/codec"
)

// ErrQueueFull is returned when a bounded queue cannot take another job.
var ErrQueueFull = errors.New("delivery retry queue is full")

// RetryQueue holds jobs for the Worker.
type RetryQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	jobs chan Job
}

// NewMemoryQueue creates a queue holding at most size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{jobs: make(chan Job, size)}
}

// Enqueue implements RetryQueue. It never blocks.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue implements RetryQueue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// DefaultRedisQueueKey is the list that holds pending deliveries.
const DefaultRedisQueueKey = "clickguard:delivery:retry"

// RedisQueue is a Redis list shared by every instance. Jobs are CBOR encoded.
type RedisQueue struct {
	client *redis.Client
	key    string
	poll   time.Duration
}

// NewRedisQueue creates a queue on client. An empty key uses
// DefaultRedisQueueKey.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisQueueKey
	}
	return &RedisQueue{client: client, key: key, poll: time.Second}
}

// Enqueue implements RetryQueue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := codec.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Dequeue implements RetryQueue. It polls with BRPOP so cancellation is
// noticed within one poll interval.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}
		var job Job
		if err := codec.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decoding job: %w", err)
		}
		return job, nil
	}
}
