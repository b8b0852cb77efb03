// Package coordinator runs the report pipeline (completeness check, data
// collection, analysis, composition) behind a two-path strategy: an
// immediate bounded attempt, and a durable queue fallback on timeout,
// failure or saturation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketlens/marketlens/internal/analysis"
	"github.com/marketlens/marketlens/internal/collector"
	"github.com/marketlens/marketlens/internal/completeness"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/flags"
	"github.com/marketlens/marketlens/internal/observability"
	"github.com/marketlens/marketlens/internal/queue"
	"github.com/marketlens/marketlens/internal/report"
	"github.com/marketlens/marketlens/internal/status"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
)

// Processing methods on AsyncResult.
const (
	MethodImmediate = "immediate"
	MethodQueued    = "queued"
	MethodFallback  = "fallback"
	MethodFailed    = "failed"
)

// Options tune one report request.
type Options struct {
	Timeout         time.Duration
	Priority        string // high, normal, low
	FallbackToQueue *bool  // nil means config default
	Template        *report.Template
}

// AsyncResult is the single outcome shape for every report request.
type AsyncResult struct {
	Success                  bool       `json:"success"`
	ProcessingMethod         string     `json:"processingMethod"`
	ReportID                 string     `json:"reportId,omitempty"`
	TaskID                   string     `json:"taskId,omitempty"`
	ProcessingTime           int64      `json:"processingTimeMs"`
	TimeoutExceeded          bool       `json:"timeoutExceeded"`
	FallbackUsed             bool       `json:"fallbackUsed"`
	QueueScheduled           bool       `json:"queueScheduled"`
	RetryCount               int        `json:"retryCount"`
	EstimatedQueueCompletion *time.Time `json:"estimatedQueueCompletion,omitempty"`
	Error                    string     `json:"error,omitempty"`
}

// pipelineResult is the internal outcome of one pipeline run.
type pipelineResult struct {
	reportID     string
	completeness int
	freshness    string
	placeholder  bool
	err          error
}

// Coordinator orchestrates the report pipeline.
type Coordinator struct {
	repo      store.Repository
	checker   *completeness.Checker
	collector *collector.Collector
	analyzer  *analysis.Analyzer
	composer  *report.Composer
	jobs      queue.Queue
	publisher *status.Publisher
	metrics   *observability.Metrics
	gates     *flags.Flags

	cfg            config.CoordinatorConfig
	reportCfg      config.ReportConfig
	costPerCall    float64
	storageRetries int
	storageBackoff time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	running  int
	inflight map[string]bool // project id -> immediate pipeline running

	now func() time.Time
}

// New wires a Coordinator.
func New(
	repo store.Repository,
	checker *completeness.Checker,
	coll *collector.Collector,
	analyzer *analysis.Analyzer,
	composer *report.Composer,
	jobs queue.Queue,
	publisher *status.Publisher,
	metrics *observability.Metrics,
	gates *flags.Flags,
	cfg config.CoordinatorConfig,
	reportCfg config.ReportConfig,
	costPerCall float64,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:           repo,
		checker:        checker,
		collector:      coll,
		analyzer:       analyzer,
		composer:       composer,
		jobs:           jobs,
		publisher:      publisher,
		metrics:        metrics,
		gates:          gates,
		cfg:            cfg,
		reportCfg:      reportCfg,
		costPerCall:    costPerCall,
		storageRetries: 3,
		storageBackoff: 200 * time.Millisecond,
		logger:         logger.With("component", "coordinator"),
		inflight:       make(map[string]bool),
		now:            time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// SetStorageRetry overrides the retry policy for report writes.
func (c *Coordinator) SetStorageRetry(attempts int, base time.Duration) {
	c.storageRetries = attempts
	c.storageBackoff = base
}

// ProcessInitialReport runs the two-path strategy for one project and
// always returns a populated AsyncResult.
func (c *Coordinator) ProcessInitialReport(ctx context.Context, projectID string, opts Options) AsyncResult {
	start := c.now()

	if !c.gates.ComparativeReportsEnabled(projectID) {
		return AsyncResult{
			ProcessingMethod: MethodFailed,
			Error:            "comparative reports are not enabled for this project",
			ProcessingTime:   c.sinceMs(start),
		}
	}

	tImmediate := opts.Timeout
	if tImmediate <= 0 {
		tImmediate = c.cfg.ImmediateTimeout
	}
	fallback := c.cfg.FallbackToQueue
	if opts.FallbackToQueue != nil {
		fallback = *opts.FallbackToQueue
	}

	c.publish(projectID, status.Event{
		Status:   status.StatusGenerating,
		Phase:    status.PhaseValidation,
		Progress: 0,
		Message:  "report request admitted",
	})

	// Admission: saturation or a same-project run in flight diverts to the
	// queue when graceful degradation is on.
	if !c.admit(projectID) {
		if c.cfg.GracefulDegradation {
			return c.enqueue(ctx, projectID, opts, start, MethodQueued, false)
		}
		return AsyncResult{
			ProcessingMethod: MethodFailed,
			Error:            types.ErrCongested.Error(),
			ProcessingTime:   c.sinceMs(start),
		}
	}

	// Immediate path: the pipeline deadline reserves headroom below the
	// race timeout so composition can finish before the race expires.
	pipelineBudget := tImmediate - c.cfg.TimeoutReserve
	if pipelineBudget <= 0 {
		pipelineBudget = tImmediate
	}
	pipeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pipelineBudget)

	c.metrics.RecordStart(projectID)
	done := make(chan pipelineResult, 1)
	go func() {
		done <- c.runPipeline(pipeCtx, projectID, opts)
	}()

	timer := time.NewTimer(tImmediate)
	defer timer.Stop()

	var res pipelineResult
	timeoutExceeded := false
	select {
	case res = <-done:
	case <-timer.C:
		timeoutExceeded = true
		cancel()
		res = <-done
	case <-ctx.Done():
		cancel()
		res = <-done
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	cancel()
	c.releaseSlot(projectID)

	elapsed := c.now().Sub(start)
	// A pipeline that finished cleanly even as the race timer fired still
	// produced a valid report; never double-generate it via the queue.
	if res.err == nil {
		c.metrics.RecordComplete(observability.Outcome{
			ProjectID:    projectID,
			Method:       MethodImmediate,
			Success:      true,
			Duration:     elapsed,
			Completeness: res.completeness,
			Freshness:    res.freshness,
			Cost:         c.pipelineCost(res),
		})
		return AsyncResult{
			Success:          true,
			ProcessingMethod: MethodImmediate,
			ReportID:         res.reportID,
			ProcessingTime:   elapsed.Milliseconds(),
			TimeoutExceeded:  timeoutExceeded,
		}
	}

	kind := types.KindOf(res.err)
	if timeoutExceeded || errors.Is(res.err, context.DeadlineExceeded) {
		kind = types.KindTimeout
	}
	c.metrics.RecordComplete(observability.Outcome{
		ProjectID: projectID,
		Method:    MethodImmediate,
		Success:   false,
		Cancelled: errors.Is(res.err, context.Canceled) && !timeoutExceeded,
		ErrorKind: kind,
		Duration:  elapsed,
	})

	if timeoutExceeded {
		c.publish(projectID, status.Event{
			Status:  status.StatusGenerating,
			Phase:   status.PhaseQueueing,
			Message: fmt.Sprintf("immediate generation exceeded %s", tImmediate),
		})
	}

	// Validation failures are synchronous contract violations; queueing
	// cannot fix them.
	if !fallback || kind == types.KindValidation {
		errMsg := "immediate generation failed"
		if res.err != nil {
			errMsg = res.err.Error()
		}
		c.publish(projectID, status.Event{
			Status: status.StatusFailed,
			Phase:  status.PhaseValidation,
			Error:  errMsg,
		})
		return AsyncResult{
			ProcessingMethod: MethodFailed,
			TimeoutExceeded:  timeoutExceeded,
			ProcessingTime:   elapsed.Milliseconds(),
			Error:            errMsg,
		}
	}

	result := c.enqueue(ctx, projectID, opts, start, MethodFallback, true)
	result.TimeoutExceeded = timeoutExceeded
	return result
}

// enqueue schedules the pipeline on the durable queue and reports an ETA
// from the queue position.
func (c *Coordinator) enqueue(ctx context.Context, projectID string, opts Options, start time.Time, method string, fromFallback bool) AsyncResult {
	priority := priorityOf(opts.Priority)
	var delay time.Duration
	if fromFallback {
		priority = queue.PriorityHigh
		delay = c.cfg.FallbackDelay
	}

	task := &queue.Task{
		ID:          queue.TaskID(projectID, queue.TypeReportGeneration),
		ProjectID:   projectID,
		Type:        queue.TypeReportGeneration,
		Priority:    priority,
		MaxAttempts: c.cfg.QueueMaxAttempts,
		Backoff:     c.cfg.QueueRetryBackoff,
		Delay:       delay,
		Payload: map[string]any{
			"originalTimeout": opts.Timeout.String(),
		},
	}

	position, err := c.jobs.Enqueue(ctx, task)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateTask) {
			// An equivalent task is already queued; report it as scheduled.
			return AsyncResult{
				Success:          true,
				ProcessingMethod: method,
				TaskID:           task.ID,
				QueueScheduled:   true,
				FallbackUsed:     fromFallback,
				ProcessingTime:   c.sinceMs(start),
			}
		}
		c.logger.Error("enqueue failed", "project_id", projectID, "error", err)
		return AsyncResult{
			ProcessingMethod: MethodFailed,
			ProcessingTime:   c.sinceMs(start),
			Error:            fmt.Sprintf("queue unavailable: %v", err),
		}
	}

	eta := c.now().Add(time.Duration(position) * c.cfg.QueueTaskEstimate)
	c.publish(projectID, status.Event{
		Status:                  status.StatusGenerating,
		Phase:                   status.PhaseQueueing,
		Progress:                0,
		Message:                 fmt.Sprintf("queued at position %d", position),
		EstimatedCompletionTime: &eta,
	})
	if depth, err := c.jobs.Depth(ctx); err == nil {
		c.metrics.SetQueueDepth(depth)
	}

	return AsyncResult{
		Success:                  true,
		ProcessingMethod:         method,
		TaskID:                   task.ID,
		QueueScheduled:           true,
		FallbackUsed:             fromFallback,
		ProcessingTime:           c.sinceMs(start),
		EstimatedQueueCompletion: &eta,
	}
}

// NewRunner builds the queue worker pool bound to this coordinator's
// pipeline. Start it once per process.
func (c *Coordinator) NewRunner() *queue.Runner {
	return queue.NewRunner(c.jobs, c.cfg.QueueWorkers, c.cfg.QueueTimeout, c.handleTask, queue.Hooks{
		OnFailed: func(task *queue.Task, err error) {
			// Per-attempt metrics are recorded in handleTask; the hook only
			// announces the terminal failure.
			c.publish(task.ProjectID, status.Event{
				Status: status.StatusFailed,
				Phase:  status.PhaseValidation,
				Error:  fmt.Sprintf("queued generation failed after %d attempts: %v", task.Attempts, err),
			})
		},
	}, c.logger)
}

// handleTask runs the pipeline for one dequeued task.
func (c *Coordinator) handleTask(ctx context.Context, task *queue.Task) error {
	start := c.now()
	c.metrics.RecordStart(task.ProjectID)
	res := c.runPipeline(ctx, task.ProjectID, Options{})
	c.metrics.RecordComplete(observability.Outcome{
		ProjectID:    task.ProjectID,
		Method:       MethodQueued,
		Success:      res.err == nil,
		ErrorKind:    types.KindOf(res.err),
		Duration:     c.now().Sub(start),
		Completeness: res.completeness,
		Freshness:    res.freshness,
		Cost:         c.pipelineCost(res),
	})
	if depth, err := c.jobs.Depth(ctx); err == nil {
		c.metrics.SetQueueDepth(depth)
	}
	return res.err
}

// runPipeline executes completeness check, collection, analysis and
// composition, maintaining report status so no COMPLETED report ever lacks
// content.
func (c *Coordinator) runPipeline(ctx context.Context, projectID string, opts Options) pipelineResult {
	logger := c.logger.With("project_id", projectID)

	c.publish(projectID, status.Event{
		Status: status.StatusGenerating, Phase: status.PhaseValidation,
		Progress: 5, Message: "checking data completeness",
	})
	check, err := c.checker.Score(ctx, projectID, completeness.Options{
		MinimumScore: c.reportCfg.MinCompletenessScore,
	})
	if err != nil {
		return c.fail(projectID, "", &types.PipelineError{Phase: "validation", Kind: types.KindOf(err), Err: err})
	}
	if check.OverallScore < c.reportCfg.PartialDataThreshold && len(check.CriticalIssues) > 0 {
		err := &types.PipelineError{
			Phase: "validation",
			Kind:  types.KindValidation,
			Err: fmt.Errorf("project not ready for reporting (score %d): %v",
				check.OverallScore, check.CriticalIssues),
		}
		return c.fail(projectID, "", err)
	}

	graph, err := c.repo.FindProjectWithGraph(ctx, projectID)
	if err != nil {
		return c.fail(projectID, "", &types.PipelineError{Phase: "validation", Kind: types.KindOf(err), Err: err})
	}
	if len(graph.Products) == 0 {
		return c.fail(projectID, "", &types.PipelineError{
			Phase: "validation", Kind: types.KindValidation, Err: types.ErrNoProducts,
		})
	}
	product := graph.Products[0]

	rpt := &types.Report{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ProductID: product.ID,
		Status:    types.ReportPending,
		CreatedAt: c.now(),
	}
	if err := c.retryWrite(ctx, func() error { return c.repo.CreateReport(ctx, rpt) }); err != nil {
		return c.fail(projectID, "", &types.PipelineError{Phase: "validation", Kind: types.KindStorage, Err: err})
	}
	if err := c.retryWrite(ctx, func() error {
		return c.repo.UpdateReportStatus(ctx, rpt.ID, types.ReportInProgress)
	}); err != nil {
		return c.fail(projectID, rpt.ID, &types.PipelineError{Phase: "validation", Kind: types.KindStorage, Err: err})
	}

	c.publish(projectID, status.Event{
		Status: status.StatusGenerating, Phase: status.PhaseSnapshotCapture,
		Progress: 15, Message: "collecting competitor data",
	})
	collected, err := c.collector.Collect(ctx, projectID, types.AnalysisConfig{IncludeRecommendations: true})
	if err != nil {
		return c.fail(projectID, rpt.ID, &types.PipelineError{Phase: "data_collection", Kind: types.KindOf(err), Err: err})
	}
	score := collected.CompletenessScore

	c.publish(projectID, status.Event{
		Status: status.StatusGenerating, Phase: status.PhaseAnalysis,
		Progress: 50, Message: "analyzing competitive position",
		DataCompletenessScore: &score,
	})

	// Below the minimum score the model would only hallucinate; the
	// composer's bounded placeholder takes over instead.
	var result *types.Analysis
	if score >= c.reportCfg.MinCompletenessScore {
		result, err = c.analyzer.Analyze(ctx, collected.Input)
		if err != nil {
			return c.fail(projectID, rpt.ID, &types.PipelineError{Phase: "analysis", Kind: types.KindOf(err), Err: err})
		}
		rpt.AnalysisID = result.ID
	} else {
		logger.Warn("skipping model analysis, completeness below minimum",
			"score", score, "minimum", c.reportCfg.MinCompletenessScore)
	}

	c.publish(projectID, status.Event{
		Status: status.StatusGenerating, Phase: status.PhaseReportGeneration,
		Progress: 85, Message: "composing report",
		DataCompletenessScore: &score,
	})
	version, err := c.composer.Compose(ctx, rpt.ID, report.ComposeInput{
		Product:           product,
		Analysis:          result,
		Competitors:       collected.Input.Competitors,
		CompletenessScore: score,
		Freshness:         collected.Freshness,
		QualityTier:       check.QualityTier,
		Template:          opts.Template,
	})
	if err != nil {
		return c.fail(projectID, rpt.ID, err)
	}

	// The version write above is what makes this transition legal; the
	// store refuses COMPLETED without content.
	if err := c.retryWrite(ctx, func() error {
		return c.repo.UpdateReportStatus(ctx, rpt.ID, types.ReportCompleted)
	}); err != nil {
		return c.fail(projectID, rpt.ID, &types.PipelineError{Phase: "report_generation", Kind: types.KindOf(err), Err: err})
	}

	c.publish(projectID, status.Event{
		Status: status.StatusCompleted, Phase: status.PhaseCompleted,
		Progress: 100, Message: fmt.Sprintf("report ready (version %d)", version.Version),
		DataCompletenessScore: &score,
	})
	logger.Info("report completed",
		"report_id", rpt.ID, "version", version.Version,
		"completeness", score, "freshness", collected.Freshness,
	)

	return pipelineResult{
		reportID:     rpt.ID,
		completeness: score,
		freshness:    collected.Freshness,
		placeholder:  result == nil || result.Placeholder,
	}
}

// fail marks the report FAILED (when one exists), publishes the failure
// and returns the pipeline error. Status writes must survive the
// pipeline's own cancellation.
func (c *Coordinator) fail(projectID, reportID string, err error) pipelineResult {
	if reportID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		uerr := c.retryWrite(ctx, func() error {
			return c.repo.UpdateReportStatus(ctx, reportID, types.ReportFailed)
		})
		if uerr != nil {
			c.logger.Error("failed to mark report FAILED", "report_id", reportID, "error", uerr)
		}
		cancel()
	}
	c.publish(projectID, status.Event{
		Status: status.StatusFailed,
		Phase:  status.PhaseValidation,
		Error:  err.Error(),
	})
	c.logger.Error("pipeline failed", "project_id", projectID, "report_id", reportID, "error", err)
	return pipelineResult{reportID: reportID, err: err}
}

// RunJanitor periodically repairs invariant violations: IN_PROGRESS or
// COMPLETED reports without content versions are marked FAILED. It exits
// when ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			zombies, err := c.repo.FindZombieReports(ctx)
			if err != nil {
				c.logger.Error("zombie scan failed", "error", err)
				continue
			}
			for _, z := range zombies {
				if err := c.repo.UpdateReportStatus(ctx, z.ID, types.ReportFailed); err != nil {
					c.logger.Error("zombie repair failed", "report_id", z.ID, "error", err)
					continue
				}
				c.logger.Warn("zombie report repaired", "report_id", z.ID, "was", z.Status)
			}
		}
	}
}

func (c *Coordinator) admit(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running >= c.cfg.MaxConcurrentProcessing || c.inflight[projectID] {
		return false
	}
	c.running++
	c.inflight[projectID] = true
	return true
}

func (c *Coordinator) releaseSlot(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running > 0 {
		c.running--
	}
	delete(c.inflight, projectID)
}

// publish forwards an event unless real-time updates are gated off; the
// pipeline itself never depends on delivery.
func (c *Coordinator) publish(projectID string, e status.Event) {
	if !c.gates.RealTimeUpdates() {
		return
	}
	c.publisher.Publish(projectID, e)
}

// retryWrite applies the storage retry policy to a report write.
func (c *Coordinator) retryWrite(ctx context.Context, op func() error) error {
	return store.WithRetry(ctx, c.storageRetries, c.storageBackoff, op)
}

func (c *Coordinator) pipelineCost(res pipelineResult) float64 {
	if res.placeholder {
		return 0
	}
	return c.costPerCall
}

func (c *Coordinator) sinceMs(start time.Time) int64 {
	return c.now().Sub(start).Milliseconds()
}

func priorityOf(p string) int {
	switch p {
	case "high":
		return queue.PriorityHigh
	case "low":
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}
