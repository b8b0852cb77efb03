// Package queue provides the durable job queue behind the report
// coordinator's fallback path, with memory and Redis backends. Tasks carry
// a stable id derived from project and task type; duplicate ids within the
// dedup window are dropped at the queue layer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Priority values; lower runs first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// TypeReportGeneration is the task type for queued report pipelines.
const TypeReportGeneration = "report_generation"

// ErrDuplicateTask is returned when a task with the same stable id was
// enqueued within the dedup window.
var ErrDuplicateTask = errors.New("duplicate task within dedup window")

// Task is one unit of queued work.
type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	Backoff     time.Duration  `json:"backoff"`
	Delay       time.Duration  `json:"delay"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}

// TaskID is the stable task identity used for de-duplication.
func TaskID(projectID, taskType string) string {
	return fmt.Sprintf("%s:%s", projectID, taskType)
}

// Queue is the backend contract. Enqueue returns the task's queue position
// (1-based) for ETA estimation.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) (int, error)
	Dequeue(ctx context.Context) (*Task, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}

// Handler processes one dequeued task.
type Handler func(ctx context.Context, task *Task) error

// Hooks receive terminal task outcomes. Either field may be nil.
type Hooks struct {
	OnCompleted func(task *Task)
	OnFailed    func(task *Task, err error)
}

// Runner pulls tasks off a queue with a fixed worker count, retrying each
// task up to its attempt bound with exponential backoff.
type Runner struct {
	queue   Queue
	handler Handler
	hooks   Hooks
	workers int
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. timeout bounds a single handler invocation.
func NewRunner(q Queue, workers int, timeout time.Duration, handler Handler, hooks Hooks, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		queue:   q,
		handler: handler,
		hooks:   hooks,
		workers: workers,
		timeout: timeout,
		logger:  logger.With("component", "queue_runner"),
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func(worker int) {
			defer r.wg.Done()
			r.loop(ctx, worker)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) loop(ctx context.Context, worker int) {
	for {
		task, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.run(ctx, worker, task)
	}
}

// run executes one task through its retry budget.
func (r *Runner) run(ctx context.Context, worker int, task *Task) {
	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := task.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	logger := r.logger.With("worker", worker, "task_id", task.ID, "project_id", task.ProjectID)
	var lastErr error
	for task.Attempts < maxAttempts {
		task.Attempts++

		runCtx := ctx
		var cancel context.CancelFunc
		if r.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		}
		lastErr = r.handler(runCtx, task)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil {
			logger.Info("task completed", "attempts", task.Attempts)
			if r.hooks.OnCompleted != nil {
				r.hooks.OnCompleted(task)
			}
			return
		}
		logger.Warn("task attempt failed",
			"attempt", task.Attempts, "max_attempts", maxAttempts, "error", lastErr)
		if ctx.Err() != nil {
			break
		}
		if task.Attempts < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff << uint(task.Attempts-1)):
			}
		}
	}

	logger.Error("task failed terminally", "attempts", task.Attempts, "error", lastErr)
	if r.hooks.OnFailed != nil {
		r.hooks.OnFailed(task, lastErr)
	}
}
