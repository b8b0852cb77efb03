package coordinator

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/marketlens/marketlens/internal/analysis"
	"github.com/marketlens/marketlens/internal/browser"
	"github.com/marketlens/marketlens/internal/collector"
	"github.com/marketlens/marketlens/internal/completeness"
	"github.com/marketlens/marketlens/internal/config"
	"github.com/marketlens/marketlens/internal/flags"
	"github.com/marketlens/marketlens/internal/governor"
	"github.com/marketlens/marketlens/internal/observability"
	"github.com/marketlens/marketlens/internal/queue"
	"github.com/marketlens/marketlens/internal/report"
	"github.com/marketlens/marketlens/internal/scraper"
	"github.com/marketlens/marketlens/internal/status"
	"github.com/marketlens/marketlens/internal/store"
	"github.com/marketlens/marketlens/internal/types"
	"github.com/marketlens/marketlens/internal/validator"

	"github.com/prometheus/client_golang/prometheus"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// stubGenerator answers every prompt with a fixed analysis payload.
type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return `{
	  "summary": {"overallPosition": "competitive", "narrative": "Solid position against tracked competitors."},
	  "keyFindings": ["Rival ships faster"],
	  "assessments": [{"competitorName": "Rival", "position": "competitive", "strengths": ["speed"], "weaknesses": ["price"]}],
	  "opportunityScore": 65,
	  "confidenceScore": 80,
	  "priorityScore": 55,
	  "recommendations": {"immediate": ["match release cadence"], "shortTerm": [], "longTerm": []}
	}`, nil
}

// okFetcher serves a valid page for every URL.
type okFetcher struct{}

func (okFetcher) FetchPage(ctx context.Context, url string, opts browser.PageOptions) (*browser.PageResult, error) {
	return &browser.PageResult{
		HTML:       "<html><title>Page</title><body>" + strings.Repeat("x", 600) + "</body></html>",
		Text:       strings.Repeat("content ", 100),
		Title:      "Page",
		HTTPStatus: 200,
	}, nil
}

func (okFetcher) Close() error { return nil }

// stallingRepo delays project-graph reads until the context expires. It
// forces the immediate path over its deadline.
type stallingRepo struct {
	store.Repository
}

func (r *stallingRepo) FindProjectWithGraph(ctx context.Context, id string) (*store.ProjectGraph, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	repo        *store.Memory
	queue       *queue.MemoryQueue
	coordinator *Coordinator
	publisher   *status.Publisher
	projectID   string
}

func coordinatorConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		ImmediateTimeout:        5 * time.Second,
		TimeoutReserve:          200 * time.Millisecond,
		MaxConcurrentProcessing: 2,
		FallbackToQueue:         true,
		GracefulDegradation:     true,
		QueueTaskEstimate:       2 * time.Minute,
		QueueTimeout:            time.Second,
		QueueWorkers:            1,
		QueueMaxAttempts:        2,
		QueueRetryBackoff:       time.Millisecond,
		FallbackDelay:           10 * time.Millisecond,
	}
}

func reportConfig() config.ReportConfig {
	return config.ReportConfig{
		MinCompletenessForFull: 70,
		MinCompletenessScore:   40,
		PartialDataThreshold:   30,
	}
}

// newFixture wires a full in-memory pipeline around a stubbed fetcher and
// model generator.
func newFixture(t *testing.T, cfg config.CoordinatorConfig, rolloutPct int) *fixture {
	t.Helper()
	mem := store.NewMemory()

	v := validator.New(mem, 24*time.Hour)
	checker := completeness.New(mem, v, testLogger)

	captureCfg := config.CaptureConfig{Timeout: time.Second, MaxRetryAttempts: 1, RetryBackoffBase: time.Millisecond}
	worker := scraper.NewWorker(okFetcher{}, mem, captureCfg, testLogger)
	gov := governor.New(config.GovernorConfig{
		MaxConcurrentGlobal:     4,
		MaxConcurrentPerProject: 2,
		AcquireWait:             100 * time.Millisecond,
		BreakerErrorThreshold:   0.9,
		BreakerWindow:           time.Minute,
		BreakerMinSamples:       100,
	}, testLogger)
	coll := collector.New(mem, worker, nil, gov, v, config.CollectorConfig{
		SnapshotMaxAge:         24 * time.Hour,
		AcceptStaleSnapshots:   true,
		StaleSnapshotMaxAge:    7 * 24 * time.Hour,
		TotalGenerationTimeout: 2 * time.Second,
	}, testLogger)

	analyzer := analysis.NewAnalyzer(stubGenerator{}, testLogger)
	composer := report.NewComposer(mem, reportConfig(), testLogger)
	pub := status.NewPublisher(testLogger)
	metrics := observability.New(prometheus.NewRegistry(), 0)
	gates := flags.New(config.FeatureConfig{RolloutPercentage: rolloutPct, RealTimeUpdates: true})
	q := queue.NewMemoryQueue(time.Minute)

	c := New(mem, checker, coll, analyzer, composer, q, pub, metrics, gates,
		cfg, reportConfig(), 0.01, testLogger)

	f := &fixture{repo: mem, queue: q, coordinator: c, publisher: pub}
	f.projectID = seedReadyProject(t, mem)
	return f
}

func seedReadyProject(t *testing.T, repo *store.Memory) string {
	t.Helper()
	ctx := context.Background()
	p := &types.Project{Name: "acme", OwnerUserID: "u1", Frequency: types.FrequencyWeekly}
	if err := repo.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	prod := &types.Product{
		ProjectID:   p.ID,
		Name:        "widget",
		Website:     "https://acme.example",
		Positioning: "premium",
		Industry:    "manufacturing",
	}
	if err := repo.PutProduct(ctx, prod); err != nil {
		t.Fatal(err)
	}
	comp := &types.Competitor{Name: "Rival", Website: "https://rival.example"}
	if err := repo.PutCompetitor(ctx, comp); err != nil {
		t.Fatal(err)
	}
	repo.LinkCompetitor(p.ID, comp.ID)

	meta := types.SnapshotMetadata{
		HTML:       "<html><title>Page</title><body>" + strings.Repeat("x", 600) + "</body></html>",
		Text:       strings.Repeat("content ", 100),
		Title:      "Page",
		HTTPStatus: 200,
	}
	if _, err := repo.PutSnapshot(ctx, types.ProductOwner(prod.ID), meta, true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.PutSnapshot(ctx, types.CompetitorOwner(comp.ID), meta, true, ""); err != nil {
		t.Fatal(err)
	}
	return p.ID
}

func TestProcessInitialReportImmediate(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 100)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res.Success || res.ProcessingMethod != MethodImmediate {
		t.Fatalf("result = %+v", res)
	}
	if res.ReportID == "" {
		t.Fatal("immediate success must carry a report id")
	}
	if res.QueueScheduled || res.FallbackUsed {
		t.Errorf("immediate path must not touch the queue: %+v", res)
	}

	rpt, err := f.repo.GetReport(context.Background(), res.ReportID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if rpt.Status != types.ReportCompleted {
		t.Errorf("report status = %q, want COMPLETED", rpt.Status)
	}
	versions, err := f.repo.ListReportVersions(context.Background(), res.ReportID)
	if err != nil || len(versions) == 0 {
		t.Fatalf("completed report must have a version: %v", err)
	}
	if versions[0].Content == "" {
		t.Error("report version has no content")
	}

	if zombies, _ := f.repo.FindZombieReports(context.Background()); len(zombies) != 0 {
		t.Errorf("pipeline left %d zombie reports", len(zombies))
	}
}

func TestProcessInitialReportRolloutGate(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 0)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if res.Success || res.ProcessingMethod != MethodFailed {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "not enabled") {
		t.Errorf("error = %q", res.Error)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 0 {
		t.Error("gated request must not enqueue")
	}
}

func TestProcessInitialReportTimeoutFallsBackToQueue(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.ImmediateTimeout = 150 * time.Millisecond
	cfg.TimeoutReserve = 50 * time.Millisecond

	f := newFixture(t, cfg, 100)
	f.coordinator.repo = &stallingRepo{Repository: f.repo}
	f.coordinator.checker = completeness.New(&stallingRepo{Repository: f.repo}, validator.New(f.repo, 24*time.Hour), testLogger)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res.Success || res.ProcessingMethod != MethodFallback {
		t.Fatalf("result = %+v", res)
	}
	if !res.QueueScheduled || !res.FallbackUsed {
		t.Errorf("fallback result = %+v", res)
	}
	if res.EstimatedQueueCompletion == nil {
		t.Error("queued result must carry an ETA")
	}

	task, err := f.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.Priority != queue.PriorityHigh {
		t.Errorf("fallback task priority = %d, want high", task.Priority)
	}
	if task.ID != queue.TaskID(f.projectID, queue.TypeReportGeneration) {
		t.Errorf("task id = %q", task.ID)
	}
}

func TestProcessInitialReportValidationNeverQueued(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 100)

	// A bare project: no products, no snapshots. Completeness lands under
	// the partial-data threshold with critical issues.
	bare := &types.Project{Name: "bare", OwnerUserID: "u1"}
	if err := f.repo.CreateProject(context.Background(), bare); err != nil {
		t.Fatal(err)
	}

	res := f.coordinator.ProcessInitialReport(context.Background(), bare.ID, Options{})
	if res.Success || res.ProcessingMethod != MethodFailed {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "not ready for reporting") {
		t.Errorf("error = %q", res.Error)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 0 {
		t.Error("validation failures must not fall back to the queue")
	}
}

func TestProcessInitialReportSaturationQueues(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.MaxConcurrentProcessing = 0 // every request is over the cap

	f := newFixture(t, cfg, 100)
	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{Priority: "low"})
	if !res.Success || res.ProcessingMethod != MethodQueued {
		t.Fatalf("result = %+v", res)
	}
	if !res.QueueScheduled || res.FallbackUsed {
		t.Errorf("saturation result = %+v", res)
	}

	// A second request for the same project dedups but still reports
	// scheduled.
	res2 := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res2.Success || !res2.QueueScheduled {
		t.Fatalf("duplicate result = %+v", res2)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 1 {
		t.Errorf("queue depth = %d, want deduped single task", depth)
	}

	task, err := f.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != queue.PriorityLow {
		t.Errorf("task priority = %d, want low", task.Priority)
	}
}

func TestProcessInitialReportSaturationFailsWithoutDegradation(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.MaxConcurrentProcessing = 0
	cfg.GracefulDegradation = false

	f := newFixture(t, cfg, 100)
	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if res.Success || res.ProcessingMethod != MethodFailed {
		t.Fatalf("result = %+v", res)
	}
	if depth, _ := f.queue.Depth(context.Background()); depth != 0 {
		t.Error("degradation off must not enqueue")
	}
}

func TestHandleTaskRunsPipeline(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 100)

	task := &queue.Task{
		ID:        queue.TaskID(f.projectID, queue.TypeReportGeneration),
		ProjectID: f.projectID,
		Type:      queue.TypeReportGeneration,
	}
	if err := f.coordinator.handleTask(context.Background(), task); err != nil {
		t.Fatalf("handleTask: %v", err)
	}
	if zombies, _ := f.repo.FindZombieReports(context.Background()); len(zombies) != 0 {
		t.Errorf("queued pipeline left %d zombies", len(zombies))
	}
}

func TestStatusEventsProgressMonotonic(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 100)

	events := make(chan status.Event, 32)
	sub := f.publisher.Subscribe(f.projectID, status.SinkFunc(func(e status.Event) error {
		events <- e
		return nil
	}))
	defer f.publisher.Unsubscribe(sub)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	var got []status.Event
	deadline := time.After(time.Second)
collectLoop:
	for {
		select {
		case e := <-events:
			got = append(got, e)
			if e.Phase == status.PhaseCompleted {
				break collectLoop
			}
		case <-deadline:
			t.Fatalf("never saw the completion event; got %d events", len(got))
		}
	}

	last := -1
	for _, e := range got {
		if e.Progress < last {
			t.Errorf("progress went backwards: %d after %d (phase %s)", e.Progress, last, e.Phase)
		}
		last = e.Progress
	}
	final := got[len(got)-1]
	if final.Status != status.StatusCompleted || final.Progress != 100 {
		t.Errorf("final event = %+v", final)
	}
}

func TestStatusEventsSuppressedWhenRealTimeUpdatesOff(t *testing.T) {
	f := newFixture(t, coordinatorConfig(), 100)
	f.coordinator.gates = flags.New(config.FeatureConfig{RolloutPercentage: 100})

	events := make(chan status.Event, 32)
	sub := f.publisher.Subscribe(f.projectID, status.SinkFunc(func(e status.Event) error {
		events <- e
		return nil
	}))
	defer f.publisher.Unsubscribe(sub)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	select {
	case e := <-events:
		t.Errorf("event delivered with real-time updates off: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueuedEventCarriesQueueingPhase(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.MaxConcurrentProcessing = 0

	f := newFixture(t, cfg, 100)
	events := make(chan status.Event, 32)
	sub := f.publisher.Subscribe(f.projectID, status.SinkFunc(func(e status.Event) error {
		events <- e
		return nil
	}))
	defer f.publisher.Unsubscribe(sub)

	res := f.coordinator.ProcessInitialReport(context.Background(), f.projectID, Options{})
	if !res.QueueScheduled {
		t.Fatalf("result = %+v", res)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if strings.Contains(e.Message, "queued at position") {
				if e.Phase != status.PhaseQueueing {
					t.Errorf("queued event phase = %q, want %q", e.Phase, status.PhaseQueueing)
				}
				return
			}
		case <-deadline:
			t.Fatal("never saw the queued event")
		}
	}
}
