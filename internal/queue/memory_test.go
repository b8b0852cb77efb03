package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestTaskID(t *testing.T) {
	if got := TaskID("proj-1", TypeReportGeneration); got != "proj-1:report_generation" {
		t.Errorf("TaskID = %q", got)
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		pos, err := q.Enqueue(ctx, &Task{ID: id, Priority: PriorityNormal})
		if err != nil {
			t.Fatalf("Enqueue %q: %v", id, err)
		}
		if pos != i+1 {
			t.Errorf("position for %q = %d, want %d", id, pos, i+1)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.ID != want {
			t.Errorf("dequeued %q, want %q", task.ID, want)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("depth = %d after draining", depth)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &Task{ID: "low", Priority: PriorityLow}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, &Task{ID: "normal", Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, &Task{ID: "high", Priority: PriorityHigh}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"high", "normal", "low"} {
		task, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task.ID != want {
			t.Errorf("dequeued %q, want %q", task.ID, want)
		}
	}
}

func TestDedupWindow(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &Task{ID: "proj:report_generation"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, &Task{ID: "proj:report_generation"})
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate within window: got %v, want ErrDuplicateTask", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := q.Enqueue(ctx, &Task{ID: "proj:report_generation"}); err != nil {
		t.Errorf("enqueue after window: %v", err)
	}
}

func TestDelayedTaskNotReadyEarly(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, &Task{ID: "delayed", Delay: 200 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	early, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(early); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dequeue before delay: got %v, want deadline exceeded", err)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if task.ID != "delayed" {
		t.Errorf("task = %q", task.ID)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx := context.Background()

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		got <- task
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, &Task{ID: "late"}); err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-got:
		if task.ID != "late" {
			t.Errorf("task = %q", task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue never woke")
	}
}

func TestCloseWakesDequeue(t *testing.T) {
	q := NewMemoryQueue(0)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("dequeue on closed queue should error")
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake the blocked dequeue")
	}
}

func TestRunnerRetriesThenCompletes(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	completed := make(chan *Task, 1)

	handler := func(ctx context.Context, task *Task) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}

	r := NewRunner(q, 1, time.Second, handler, Hooks{
		OnCompleted: func(task *Task) { completed <- task },
	}, testLogger)
	r.Start(ctx)

	if _, err := q.Enqueue(ctx, &Task{ID: "t1", MaxAttempts: 3, Backoff: time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-completed:
		if task.Attempts != 3 {
			t.Errorf("attempts = %d, want 3", task.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
	cancel()
	r.Wait()
}

func TestRunnerTerminalFailure(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan error, 1)
	handler := func(ctx context.Context, task *Task) error {
		return errors.New("permanent")
	}

	r := NewRunner(q, 1, time.Second, handler, Hooks{
		OnFailed: func(task *Task, err error) { failed <- err },
	}, testLogger)
	r.Start(ctx)

	if _, err := q.Enqueue(ctx, &Task{ID: "t1", MaxAttempts: 2, Backoff: time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-failed:
		if err == nil || err.Error() != "permanent" {
			t.Errorf("terminal error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure hook never fired")
	}
	cancel()
	r.Wait()
}
