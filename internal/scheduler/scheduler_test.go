package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// fakeRefresher counts refreshes and can block or fail on demand.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{} // when set, RefreshProject blocks until closed
}

func (f *fakeRefresher) RefreshProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	f.calls++
	release := f.release
	err := f.err
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return err
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestScheduler(t *testing.T, refresher Refresher, alert AlertFunc) (*Scheduler, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	cfg := config.SchedulerConfig{MaxConcurrentJobs: 2, AlertAfterFailures: 3}
	return New(repo, refresher, cfg, testLogger, alert), repo
}

func TestScheduleComputesNextRun(t *testing.T) {
	s, repo := newTestScheduler(t, &fakeRefresher{}, nil)
	base := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC) // a Monday
	s.SetClock(func() time.Time { return base })
	ctx := context.Background()

	id, err := s.Schedule(ctx, "proj", types.FrequencyDaily, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	sched, err := repo.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.Cron != "0 9 * * *" {
		t.Errorf("cron = %q", sched.Cron)
	}
	want := time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC)
	if !sched.NextRun.Equal(want) {
		t.Errorf("nextRun = %v, want %v", sched.NextRun, want)
	}
	if sched.Status != types.ScheduleActive {
		t.Errorf("status = %q, want ACTIVE", sched.Status)
	}
}

func TestScheduleRejectsBadCustomCron(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeRefresher{}, nil)
	if _, err := s.Schedule(context.Background(), "proj", types.FrequencyCustom, "not a cron"); err == nil {
		t.Error("expected error for unparseable custom cron")
	}
}

func TestAdvanceMonotonicNextRun(t *testing.T) {
	s, repo := newTestScheduler(t, &fakeRefresher{}, nil)
	clock := time.Date(2026, 8, 3, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	id, err := s.Schedule(ctx, "proj", types.FrequencyDaily, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	before, _ := repo.GetSchedule(ctx, id)

	clock = time.Date(2026, 8, 3, 9, 0, 1, 0, time.UTC)
	if err := s.advance(ctx, id, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	after, _ := repo.GetSchedule(ctx, id)

	if !after.NextRun.After(before.NextRun) {
		t.Errorf("nextRun did not advance: before=%v after=%v", before.NextRun, after.NextRun)
	}
	if after.LastRun == nil || !after.LastRun.Equal(clock) {
		t.Errorf("lastRun = %v, want %v", after.LastRun, clock)
	}
}

func TestDegradedAfterConsecutiveFailures(t *testing.T) {
	var alerted int
	refresher := &fakeRefresher{err: errors.New("refresh failed")}
	s, repo := newTestScheduler(t, refresher, func(sched *types.ReportSchedule, n int) { alerted = n })
	ctx := context.Background()

	id, err := s.Schedule(ctx, "proj", types.FrequencyDaily, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.fire(id, "proj")
	}
	sched, _ := repo.GetSchedule(ctx, id)
	if sched.Status != types.ScheduleDegraded {
		t.Fatalf("status after 3 failures = %q, want DEGRADED", sched.Status)
	}
	if sched.ConsecutiveFailures != 3 {
		t.Errorf("consecutiveFailures = %d, want 3", sched.ConsecutiveFailures)
	}
	if alerted != 3 {
		t.Errorf("alert hook got %d, want 3", alerted)
	}

	// A successful run heals the schedule.
	refresher.mu.Lock()
	refresher.err = nil
	refresher.mu.Unlock()
	s.fire(id, "proj")
	sched, _ = repo.GetSchedule(ctx, id)
	if sched.Status != types.ScheduleActive || sched.ConsecutiveFailures != 0 {
		t.Errorf("after success: status=%q failures=%d, want ACTIVE/0", sched.Status, sched.ConsecutiveFailures)
	}
}

func TestSingleFlightPerProject(t *testing.T) {
	release := make(chan struct{})
	refresher := &fakeRefresher{release: release}
	s, _ := newTestScheduler(t, refresher, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Trigger(ctx, "proj") }()

	// Wait until the first trigger holds the in-flight slot.
	deadline := time.Now().Add(time.Second)
	for refresher.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first trigger never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Trigger(ctx, "proj"); err == nil {
		t.Error("overlapping trigger should be refused")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := s.Trigger(ctx, "proj"); err != nil {
		t.Errorf("trigger after completion: %v", err)
	}
}

func TestMaxConcurrentJobsBoundsTriggers(t *testing.T) {
	release := make(chan struct{})
	refresher := &fakeRefresher{release: release}
	repo := store.NewMemory()
	cfg := config.SchedulerConfig{MaxConcurrentJobs: 1, AlertAfterFailures: 3}
	s := New(repo, refresher, cfg, testLogger, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Trigger(ctx, "p1") }()

	deadline := time.Now().Add(time.Second)
	for refresher.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first trigger never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A different project hits the concurrency cap, not the single-flight
	// rule.
	if err := s.Trigger(ctx, "p2"); err == nil {
		t.Error("trigger over the job cap should be refused")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if err := s.Trigger(ctx, "p2"); err != nil {
		t.Errorf("trigger after the slot frees: %v", err)
	}
	if refresher.callCount() != 2 {
		t.Errorf("refreshes = %d, want 2", refresher.callCount())
	}
}

func TestStopPausesSchedule(t *testing.T) {
	s, repo := newTestScheduler(t, &fakeRefresher{}, nil)
	ctx := context.Background()

	id, err := s.Schedule(ctx, "proj", types.FrequencyWeekly, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sched, _ := repo.GetSchedule(ctx, id)
	if sched.Status != types.SchedulePaused {
		t.Errorf("status = %q, want PAUSED", sched.Status)
	}
	s.mu.Lock()
	_, registered := s.entries[id]
	s.mu.Unlock()
	if registered {
		t.Error("cron entry should be removed on stop")
	}
}
