package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process priority queue with delay and dedup
// support. It is the default backend for single-node deployments and
// tests.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  taskHeap
	dedup  map[string]time.Time // task id -> dedup expiry
	window time.Duration
	seq    int64
	notify chan struct{}
	closed bool
	now    func() time.Time
}

// NewMemoryQueue creates a MemoryQueue with the given dedup window.
func NewMemoryQueue(dedupWindow time.Duration) *MemoryQueue {
	return &MemoryQueue{
		dedup:  make(map[string]time.Time),
		window: dedupWindow,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (q *MemoryQueue) SetClock(now func() time.Time) { q.now = now }

// Enqueue adds the task unless its id was enqueued within the dedup
// window. Returns the 1-based queue position.
func (q *MemoryQueue) Enqueue(_ context.Context, task *Task) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, context.Canceled
	}

	now := q.now()
	if expiry, ok := q.dedup[task.ID]; ok && now.Before(expiry) {
		return 0, ErrDuplicateTask
	}
	if q.window > 0 {
		q.dedup[task.ID] = now.Add(q.window)
	}

	q.seq++
	task.EnqueuedAt = now
	heap.Push(&q.tasks, &queuedTask{
		task:    task,
		readyAt: now.Add(task.Delay),
		seq:     q.seq,
	})
	q.wake()
	return q.tasks.Len(), nil
}

// Dequeue blocks until a ready task is available or ctx is done.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, context.Canceled
		}
		now := q.now()
		var wait time.Duration
		if q.tasks.Len() > 0 {
			head := q.tasks[0]
			if !head.readyAt.After(now) {
				heap.Pop(&q.tasks)
				q.mu.Unlock()
				return head.task, nil
			}
			wait = head.readyAt.Sub(now)
		}
		q.mu.Unlock()

		if wait <= 0 {
			wait = time.Hour
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Depth returns the number of queued tasks, ready or delayed.
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len(), nil
}

// Close wakes all blocked Dequeues with a terminal error.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.notify)
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type queuedTask struct {
	task    *Task
	readyAt time.Time
	seq     int64
}

// taskHeap orders by priority, then ready time, then arrival.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
