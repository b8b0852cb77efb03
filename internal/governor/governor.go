// Package governor enforces rate, concurrency and budget limits for page
// captures. It is one of only two modules holding global mutable state (the
// other is the metrics collector); all counters are guarded for atomic use.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/types"
)

// Lease is an acquired capture slot. Release is idempotent and must run on
// all exit paths, including cancellation.
type Lease struct {
	projectID string
	host      string
	release   func()
	once      sync.Once
}

// Release returns the slot to the governor.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Governor gates captures behind per-project and global concurrency caps,
// a per-domain throttle, daily/hourly budgets, and a per-domain circuit
// breaker. Waiting is bounded: callers that cannot acquire within the
// configured window see ErrCongested and may queue instead.
type Governor struct {
	cfg    config.GovernorConfig
	logger *slog.Logger

	global chan struct{}

	mu         sync.Mutex
	perProject map[string]chan struct{}
	limiters   map[string]*rate.Limiter

	budget  *budget
	breaker *DomainBreaker

	now func() time.Time
}

// New creates a Governor from config.
func New(cfg config.GovernorConfig, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:        cfg,
		logger:     logger.With("component", "governor"),
		global:     make(chan struct{}, cfg.MaxConcurrentGlobal),
		perProject: make(map[string]chan struct{}),
		limiters:   make(map[string]*rate.Limiter),
		budget:     newBudget(cfg.HourlySnapshotLimit, cfg.DailySnapshotLimit),
		breaker:    NewDomainBreaker(cfg.BreakerErrorThreshold, cfg.BreakerWindow, cfg.BreakerMinSamples),
		now:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
	g.budget.now = now
	g.breaker.now = now
}

// BudgetOK reports whether the hourly and daily capture budgets still have
// headroom at the given instant. A budget breach is not an error; callers
// queue or downgrade.
func (g *Governor) BudgetOK(now time.Time) bool {
	return g.budget.ok(now)
}

// Acquire blocks until a capture slot for the project and host is
// available, the context is cancelled, or the bounded wait elapses.
// Acquisition order: budget check, breaker check, project slot, global
// slot, domain throttle.
func (g *Governor) Acquire(ctx context.Context, projectID, host string) (*Lease, error) {
	if !g.budget.ok(g.now()) {
		return nil, types.ErrBudgetExceeded
	}
	if !g.breaker.Allows(host) {
		return nil, types.ErrDomainBlocked
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.AcquireWait)
	defer cancel()

	projectSlot := g.projectSlot(projectID)
	select {
	case projectSlot <- struct{}{}:
	case <-waitCtx.Done():
		return nil, g.waitErr(ctx, waitCtx)
	}

	select {
	case g.global <- struct{}{}:
	case <-waitCtx.Done():
		<-projectSlot
		return nil, g.waitErr(ctx, waitCtx)
	}

	if err := g.domainLimiter(host).Wait(waitCtx); err != nil {
		<-g.global
		<-projectSlot
		return nil, g.waitErr(ctx, waitCtx)
	}

	g.budget.consume(g.now())

	return &Lease{
		projectID: projectID,
		host:      host,
		release: func() {
			<-g.global
			<-projectSlot
		},
	}, nil
}

// waitErr distinguishes caller cancellation from bounded-wait expiry.
func (g *Governor) waitErr(ctx, waitCtx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.logger.Debug("acquire wait exceeded", "wait", g.cfg.AcquireWait)
	return types.ErrCongested
}

// RecordResult feeds a capture outcome into the per-domain breaker.
func (g *Governor) RecordResult(host string, success bool) {
	g.breaker.Record(host, success)
}

// DomainOpen reports whether the breaker is currently open for a host.
func (g *Governor) DomainOpen(host string) bool {
	return !g.breaker.Allows(host)
}

func (g *Governor) projectSlot(projectID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.perProject[projectID]
	if !ok {
		slot = make(chan struct{}, g.cfg.MaxConcurrentPerProject)
		g.perProject[projectID] = slot
	}
	return slot
}

func (g *Governor) domainLimiter(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[host]
	if !ok {
		interval := g.cfg.DomainThrottleInterval
		if interval <= 0 {
			interval = time.Nanosecond
		}
		lim = rate.NewLimiter(rate.Every(interval), 1)
		g.limiters[host] = lim
	}
	return lim
}

// budget tracks hourly and daily capture counters with wall-clock reset.
type budget struct {
	mu         sync.Mutex
	hourlyMax  int
	dailyMax   int
	hourCount  int
	dayCount   int
	hourStart  time.Time
	dayStart   time.Time
	now        func() time.Time
}

func newBudget(hourlyMax, dailyMax int) *budget {
	return &budget{hourlyMax: hourlyMax, dailyMax: dailyMax, now: time.Now}
}

func (b *budget) rollover(now time.Time) {
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourStart = now.Truncate(time.Hour)
		b.hourCount = 0
	}
	if day := now.Truncate(24 * time.Hour); day.After(b.dayStart) {
		b.dayStart = day
		b.dayCount = 0
	}
}

func (b *budget) ok(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(now)
	if b.hourlyMax > 0 && b.hourCount >= b.hourlyMax {
		return false
	}
	if b.dailyMax > 0 && b.dayCount >= b.dailyMax {
		return false
	}
	return true
}

func (b *budget) consume(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(now)
	b.hourCount++
	b.dayCount++
}
