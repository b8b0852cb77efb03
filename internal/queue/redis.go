package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisQueueKey   = "marketlens:queue:tasks"
	redisDedupKey   = "marketlens:queue:dedup:"
	redisPollPeriod = 250 * time.Millisecond
)

// RedisQueue is the durable backend. Tasks live in a sorted set scored by
// priority then ready time, so they survive process restarts; dedup uses
// SETNX keys with the window as TTL.
type RedisQueue struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRedisQueue creates a RedisQueue on the given client.
func NewRedisQueue(client *redis.Client, dedupWindow time.Duration) *RedisQueue {
	return &RedisQueue{client: client, window: dedupWindow, now: time.Now}
}

// Enqueue adds the task unless its id was enqueued within the dedup
// window. Returns the 1-based queue position.
func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) (int, error) {
	if q.window > 0 {
		ok, err := q.client.SetNX(ctx, redisDedupKey+task.ID, 1, q.window).Result()
		if err != nil {
			return 0, fmt.Errorf("queue dedup: %w", err)
		}
		if !ok {
			return 0, ErrDuplicateTask
		}
	}

	now := q.now()
	task.EnqueuedAt = now
	member, err := json.Marshal(task)
	if err != nil {
		return 0, fmt.Errorf("marshal task: %w", err)
	}

	score := taskScore(task.Priority, now.Add(task.Delay))
	if err := q.client.ZAdd(ctx, redisQueueKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return 0, fmt.Errorf("queue enqueue: %w", err)
	}
	rank, err := q.client.ZRank(ctx, redisQueueKey, string(member)).Result()
	if err != nil {
		return 1, nil
	}
	return int(rank) + 1, nil
}

// Dequeue pops the highest-priority ready task, polling while the queue is
// empty or its head is still delayed.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		popped, err := q.client.ZPopMin(ctx, redisQueueKey, 1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("queue pop: %w", err)
		}
		if len(popped) == 1 {
			raw, _ := popped[0].Member.(string)
			var task Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				// Corrupt member; drop it rather than wedge the queue.
				continue
			}
			readyAt := readyTime(popped[0].Score)
			if wait := readyAt.Sub(q.now()); wait > 0 {
				// Head is delayed; put it back and poll.
				q.client.ZAdd(ctx, redisQueueKey, popped[0])
				if wait > redisPollPeriod {
					wait = redisPollPeriod
				}
				if err := sleep(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			return &task, nil
		}

		if err := sleep(ctx, redisPollPeriod); err != nil {
			return nil, err
		}
	}
}

// Depth returns the number of queued tasks.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, redisQueueKey).Result()
	return int(n), err
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error { return q.client.Close() }

// taskScore orders by priority first, ready time second. Millisecond
// timestamps stay far below the priority stride.
func taskScore(priority int, readyAt time.Time) float64 {
	const stride = 1e15
	return float64(priority)*stride + float64(readyAt.UnixMilli())
}

func readyTime(score float64) time.Time {
	const stride = 1e15
	ms := int64(score) % int64(stride)
	return time.UnixMilli(ms)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
