// Package scheduler translates per-project frequencies into cron triggers
// and fires data refreshes. At most one run per project is in flight and
// total concurrency is capped; fires over either bound are dropped and
// logged.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// Refresher refreshes a project's data (products + competitors). The smart
// data collector implements it.
type Refresher interface {
	RefreshProject(ctx context.Context, projectID string) error
}

// AlertFunc is invoked when a schedule degrades after repeated failures.
type AlertFunc func(schedule *types.ReportSchedule, consecutiveFailures int)

// Scheduler owns the cron runner and the schedule rows.
type Scheduler struct {
	cron      *cron.Cron
	parser    cron.Parser
	schedules store.ScheduleStore
	refresher Refresher
	cfg       config.SchedulerConfig
	logger    *slog.Logger
	alert     AlertFunc

	jobs chan struct{} // nil means unbounded

	mu       sync.Mutex
	entries  map[string]cron.EntryID // schedule id -> cron entry
	inflight map[string]bool         // project id -> running

	now func() time.Time
}

// New creates a Scheduler. The alert hook may be nil.
func New(schedules store.ScheduleStore, refresher Refresher, cfg config.SchedulerConfig, logger *slog.Logger, alert AlertFunc) *Scheduler {
	var jobs chan struct{}
	if cfg.MaxConcurrentJobs > 0 {
		jobs = make(chan struct{}, cfg.MaxConcurrentJobs)
	}
	return &Scheduler{
		jobs: jobs,
		cron:      cron.New(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		schedules: schedules,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		alert:     alert,
		entries:   make(map[string]cron.EntryID),
		inflight:  make(map[string]bool),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests. It affects nextRun
// computation, not cron firing.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start begins firing registered schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	existing, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, sched := range existing {
		if sched.Status == types.SchedulePaused {
			continue
		}
		if err := s.register(sched); err != nil {
			s.logger.Error("failed to register schedule", "schedule_id", sched.ID, "error", err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedules", len(s.entries))
	return nil
}

// Shutdown stops the cron runner and waits for running jobs.
func (s *Scheduler) Shutdown() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Schedule creates and registers a schedule for the project.
func (s *Scheduler) Schedule(ctx context.Context, projectID string, freq types.Frequency, customCron string) (string, error) {
	spec, err := freq.CronSpec(customCron)
	if err != nil {
		return "", err
	}
	cronSched, err := s.parser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	sched := &types.ReportSchedule{
		ProjectID: projectID,
		Frequency: freq,
		Cron:      spec,
		NextRun:   cronSched.Next(s.now()),
		Status:    types.ScheduleActive,
	}
	if err := s.schedules.PutSchedule(ctx, sched); err != nil {
		return "", err
	}
	if err := s.register(sched); err != nil {
		return "", err
	}
	s.logger.Info("schedule created",
		"schedule_id", sched.ID, "project_id", projectID,
		"frequency", freq, "cron", spec, "next_run", sched.NextRun,
	)
	return sched.ID, nil
}

// Stop pauses a schedule and removes its cron entry.
func (s *Scheduler) Stop(ctx context.Context, scheduleID string) error {
	sched, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	s.unregister(scheduleID)
	sched.Status = types.SchedulePaused
	return s.schedules.PutSchedule(ctx, sched)
}

// Update replaces a project's frequency, re-registering its cron entry.
func (s *Scheduler) Update(ctx context.Context, projectID string, freq types.Frequency, customCron string) error {
	sched, err := s.schedules.ScheduleForProject(ctx, projectID)
	if err != nil {
		return err
	}
	spec, err := freq.CronSpec(customCron)
	if err != nil {
		return err
	}
	cronSched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron %q: %w", spec, err)
	}

	s.unregister(sched.ID)
	sched.Frequency = freq
	sched.Cron = spec
	sched.NextRun = cronSched.Next(s.now())
	sched.Status = types.ScheduleActive
	sched.ConsecutiveFailures = 0
	if err := s.schedules.PutSchedule(ctx, sched); err != nil {
		return err
	}
	return s.register(sched)
}

// Trigger fires a project refresh immediately, subject to the same
// single-flight and concurrency rules as cron fires.
func (s *Scheduler) Trigger(ctx context.Context, projectID string) error {
	if !s.tryAcquire(projectID) {
		s.logger.Warn("manual trigger dropped, run already in flight", "project_id", projectID)
		return fmt.Errorf("project %s: refresh already running", projectID)
	}
	defer s.release(projectID)
	if !s.acquireJobSlot() {
		s.logger.Warn("manual trigger dropped, scheduler at capacity", "project_id", projectID)
		return fmt.Errorf("project %s: scheduler at capacity (%d jobs)", projectID, s.cfg.MaxConcurrentJobs)
	}
	defer s.releaseJobSlot()
	return s.refresher.RefreshProject(ctx, projectID)
}

func (s *Scheduler) register(sched *types.ReportSchedule) error {
	scheduleID := sched.ID
	projectID := sched.ProjectID
	entryID, err := s.cron.AddFunc(sched.Cron, func() {
		s.fire(scheduleID, projectID)
	})
	if err != nil {
		return fmt.Errorf("register cron: %w", err)
	}
	s.mu.Lock()
	s.entries[scheduleID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unregister(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// fire runs one scheduled refresh. Firing errors never disable the
// schedule; after the configured number of consecutive failures the
// schedule is marked DEGRADED (still active) and the alert hook runs.
func (s *Scheduler) fire(scheduleID, projectID string) {
	if !s.tryAcquire(projectID) {
		s.logger.Warn("scheduled fire dropped, run already in flight", "project_id", projectID)
		return
	}
	defer s.release(projectID)
	if !s.acquireJobSlot() {
		s.logger.Warn("scheduled fire dropped, scheduler at capacity",
			"project_id", projectID, "max_concurrent_jobs", s.cfg.MaxConcurrentJobs)
		return
	}
	defer s.releaseJobSlot()

	logger := s.logger.With("schedule_id", scheduleID, "project_id", projectID)
	logger.Info("scheduled refresh firing")

	ctx := context.Background()
	runErr := s.refresher.RefreshProject(ctx, projectID)

	if err := s.advance(ctx, scheduleID, runErr); err != nil {
		logger.Error("failed to advance schedule", "error", err)
	}
	if runErr != nil {
		logger.Error("scheduled refresh failed", "error", runErr)
	} else {
		logger.Info("scheduled refresh complete")
	}
}

// advance sets lastRun and recomputes nextRun from the cron after each
// firing, tracking consecutive failures.
func (s *Scheduler) advance(ctx context.Context, scheduleID string, runErr error) error {
	sched, err := s.schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}

	now := s.now()
	sched.LastRun = &now
	if cronSched, err := s.parser.Parse(sched.Cron); err == nil {
		sched.NextRun = cronSched.Next(now)
	}

	if runErr != nil {
		sched.ConsecutiveFailures++
		if sched.ConsecutiveFailures >= s.cfg.AlertAfterFailures && sched.Status == types.ScheduleActive {
			sched.Status = types.ScheduleDegraded
			s.logger.Warn("schedule degraded",
				"schedule_id", sched.ID,
				"consecutive_failures", sched.ConsecutiveFailures,
			)
			if s.alert != nil {
				s.alert(sched, sched.ConsecutiveFailures)
			}
		}
	} else {
		sched.ConsecutiveFailures = 0
		if sched.Status == types.ScheduleDegraded {
			sched.Status = types.ScheduleActive
		}
	}
	return s.schedules.PutSchedule(ctx, sched)
}

func (s *Scheduler) tryAcquire(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[projectID] {
		return false
	}
	s.inflight[projectID] = true
	return true
}

func (s *Scheduler) release(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, projectID)
}

// acquireJobSlot claims a concurrency slot without blocking. Bounded cron
// goroutines must drop, not pile up, when the scheduler is saturated.
func (s *Scheduler) acquireJobSlot() bool {
	if s.jobs == nil {
		return true
	}
	select {
	case s.jobs <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseJobSlot() {
	if s.jobs == nil {
		return
	}
	<-s.jobs
}
