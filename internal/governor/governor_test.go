package governor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		MaxConcurrentGlobal:     4,
		MaxConcurrentPerProject: 2,
		AcquireWait:             50 * time.Millisecond,
		DomainThrottleInterval:  0,
		HourlySnapshotLimit:     0,
		DailySnapshotLimit:      0,
		BreakerErrorThreshold:   0.5,
		BreakerWindow:           time.Minute,
		BreakerMinSamples:       4,
	}
}

func TestAcquireRelease(t *testing.T) {
	g := New(testConfig(), testLogger)
	ctx := context.Background()

	lease, err := g.Acquire(ctx, "proj", "example.com")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()
	lease.Release() // idempotent

	// The slot must be usable again after release.
	again, err := g.Acquire(ctx, "proj", "example.com")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	again.Release()
}

func TestPerProjectCapCongested(t *testing.T) {
	g := New(testConfig(), testLogger)
	ctx := context.Background()

	l1, err := g.Acquire(ctx, "proj", "a.example")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	l2, err := g.Acquire(ctx, "proj", "b.example")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	// Third acquire for the same project exceeds the per-project cap and
	// must time out with ErrCongested rather than block forever.
	_, err = g.Acquire(ctx, "proj", "c.example")
	if !errors.Is(err, types.ErrCongested) {
		t.Errorf("over-cap acquire: got %v, want ErrCongested", err)
	}

	// Another project is unaffected.
	l3, err := g.Acquire(ctx, "other", "d.example")
	if err != nil {
		t.Fatalf("other project acquire: %v", err)
	}

	l1.Release()
	l2.Release()
	l3.Release()
}

func TestAcquireCancellation(t *testing.T) {
	g := New(testConfig(), testLogger)
	bg := context.Background()

	l1, _ := g.Acquire(bg, "proj", "a.example")
	l2, _ := g.Acquire(bg, "proj", "b.example")
	defer l1.Release()
	defer l2.Release()

	ctx, cancel := context.WithCancel(bg)
	cancel()
	_, err := g.Acquire(ctx, "proj", "c.example")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled acquire: got %v, want context.Canceled", err)
	}
}

func TestHourlyBudget(t *testing.T) {
	cfg := testConfig()
	cfg.HourlySnapshotLimit = 2
	g := New(cfg, testLogger)

	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := g.Acquire(ctx, "proj", "example.com")
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		lease.Release()
	}

	if _, err := g.Acquire(ctx, "proj", "example.com"); !errors.Is(err, types.ErrBudgetExceeded) {
		t.Fatalf("over budget: got %v, want ErrBudgetExceeded", err)
	}
	if g.BudgetOK(clock) {
		t.Error("BudgetOK should report exhaustion")
	}

	// Budget resets at the next hour.
	clock = clock.Add(time.Hour)
	lease, err := g.Acquire(ctx, "proj", "example.com")
	if err != nil {
		t.Fatalf("Acquire after rollover: %v", err)
	}
	lease.Release()
}

func TestBreakerOpensAndHeals(t *testing.T) {
	g := New(testConfig(), testLogger)
	clock := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return clock })
	ctx := context.Background()

	// Below minSamples nothing opens.
	g.RecordResult("flaky.example", false)
	g.RecordResult("flaky.example", false)
	if g.DomainOpen("flaky.example") {
		t.Fatal("breaker opened before minimum samples")
	}

	g.RecordResult("flaky.example", false)
	g.RecordResult("flaky.example", false)
	if !g.DomainOpen("flaky.example") {
		t.Fatal("breaker should open past the error threshold")
	}

	if _, err := g.Acquire(ctx, "proj", "flaky.example"); !errors.Is(err, types.ErrDomainBlocked) {
		t.Errorf("acquire on open domain: got %v, want ErrDomainBlocked", err)
	}

	// Other domains keep flowing.
	lease, err := g.Acquire(ctx, "proj", "healthy.example")
	if err != nil {
		t.Fatalf("healthy domain acquire: %v", err)
	}
	lease.Release()

	// The circuit closes after one full window.
	clock = clock.Add(time.Minute + time.Second)
	if g.DomainOpen("flaky.example") {
		t.Error("breaker should close after the window elapses")
	}
}

func TestBreakerMixedOutcomesStayClosed(t *testing.T) {
	b := NewDomainBreaker(0.5, time.Minute, 4)
	for i := 0; i < 6; i++ {
		b.Record("steady.example", i%3 != 0) // 1/3 failures, under threshold
	}
	if !b.Allows("steady.example") {
		t.Error("breaker should stay closed below the error threshold")
	}
	if !b.OpenUntil("steady.example").IsZero() {
		t.Error("OpenUntil should be zero for a closed domain")
	}
}
