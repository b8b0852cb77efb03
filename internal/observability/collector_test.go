package observability

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketlens/marketlens/internal/types"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry(), 0)
}

func TestDashboardAggregation(t *testing.T) {
	m := newTestMetrics()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	outcomes := []Outcome{
		{ProjectID: "p1", Method: "immediate", Success: true, Duration: 10 * time.Second, Completeness: 90, Freshness: "new", Cost: 0.02},
		{ProjectID: "p1", Method: "queued", Success: true, Duration: 30 * time.Second, Completeness: 70, Freshness: "mixed", Cost: 0.02},
		{ProjectID: "p2", Method: "fallback", Success: false, ErrorKind: types.KindTimeout, Duration: 45 * time.Second},
		{ProjectID: "p2", Method: "immediate", Cancelled: true, ErrorKind: types.KindCancelled, Duration: 5 * time.Second},
	}
	for range outcomes {
		m.RecordStart("")
	}
	for _, o := range outcomes {
		m.RecordComplete(o)
	}
	m.SetQueueDepth(3)

	d := m.SnapshotDashboard(TimeframeDaily)
	if d.Total != 4 || d.Succeeded != 2 || d.Failed != 1 || d.Cancelled != 1 {
		t.Fatalf("counts = %+v", d)
	}
	// Cancelled runs do not count against the success rate.
	if d.SuccessRate != 2.0/3.0 {
		t.Errorf("successRate = %v, want 2/3", d.SuccessRate)
	}
	if d.QueueDepth != 3 {
		t.Errorf("queueDepth = %d", d.QueueDepth)
	}
	if d.ActivePipelines != 0 {
		t.Errorf("activePipelines = %d, want 0 after all completions", d.ActivePipelines)
	}
	if d.ErrorsByKind["timeout"] != 1 {
		t.Errorf("errorsByKind = %v", d.ErrorsByKind)
	}
	if d.RunsByProject["p1"] != 2 || d.RunsByProject["p2"] != 2 {
		t.Errorf("runsByProject = %v", d.RunsByProject)
	}
	if d.RunsByMethod["immediate"] != 2 {
		t.Errorf("runsByMethod = %v", d.RunsByMethod)
	}
	if d.FreshnessCounts["new"] != 1 || d.FreshnessCounts["mixed"] != 1 {
		t.Errorf("freshnessCounts = %v", d.FreshnessCounts)
	}
	if d.TotalCost != 0.04 {
		t.Errorf("totalCost = %v", d.TotalCost)
	}
	// avg = (10+30+45+5)/4 = 22.5s
	if d.AvgLatencyMs != 22500 {
		t.Errorf("avgLatencyMs = %d", d.AvgLatencyMs)
	}
}

func TestDashboardWindowExcludesOldRecords(t *testing.T) {
	m := newTestMetrics()
	clock := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	m.RecordStart("p1")
	m.RecordComplete(Outcome{ProjectID: "p1", Method: "immediate", Success: true, Duration: time.Second})

	clock = clock.Add(3 * time.Hour)
	m.RecordStart("p1")
	m.RecordComplete(Outcome{ProjectID: "p1", Method: "immediate", Success: true, Duration: time.Second})

	if d := m.SnapshotDashboard(TimeframeHourly); d.Total != 1 {
		t.Errorf("hourly total = %d, want only the recent run", d.Total)
	}
	if d := m.SnapshotDashboard(TimeframeDaily); d.Total != 2 {
		t.Errorf("daily total = %d, want both runs", d.Total)
	}
}

func TestRetentionPrunesRecords(t *testing.T) {
	m := New(prometheus.NewRegistry(), time.Hour)
	clock := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	m.RecordStart("p1")
	m.RecordComplete(Outcome{ProjectID: "p1", Success: true})

	clock = clock.Add(2 * time.Hour)
	m.RecordStart("p1")
	m.RecordComplete(Outcome{ProjectID: "p1", Success: true})

	m.mu.Lock()
	n := len(m.records)
	m.mu.Unlock()
	if n != 1 {
		t.Errorf("records = %d, want the pre-retention record pruned", n)
	}
}

func TestPercentiles(t *testing.T) {
	m := newTestMetrics()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	for i := 1; i <= 100; i++ {
		m.RecordStart("p")
		m.RecordComplete(Outcome{ProjectID: "p", Success: true, Duration: time.Duration(i) * time.Millisecond})
	}

	d := m.SnapshotDashboard(TimeframeDaily)
	if d.P50LatencyMs != 50 {
		t.Errorf("p50 = %d, want 50", d.P50LatencyMs)
	}
	if d.P95LatencyMs != 95 {
		t.Errorf("p95 = %d, want 95", d.P95LatencyMs)
	}
	if d.P99LatencyMs != 99 {
		t.Errorf("p99 = %d, want 99", d.P99LatencyMs)
	}
}

func TestEmptyDashboard(t *testing.T) {
	m := newTestMetrics()
	d := m.SnapshotDashboard(TimeframeDaily)
	if d.Total != 0 || d.SuccessRate != 0 || d.P99LatencyMs != 0 {
		t.Errorf("empty dashboard = %+v", d)
	}
}

func TestExportJSON(t *testing.T) {
	m := newTestMetrics()
	m.RecordStart("p1")
	m.RecordComplete(Outcome{ProjectID: "p1", Method: "immediate", Success: true, Duration: time.Second, Completeness: 80})

	raw, err := m.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var d Dashboard
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Timeframe != TimeframeDaily || d.Total != 1 {
		t.Errorf("exported = %+v", d)
	}
}

func TestActivePipelinesNeverNegative(t *testing.T) {
	m := newTestMetrics()
	m.RecordComplete(Outcome{ProjectID: "p1", Success: true})
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active < 0 {
		t.Errorf("active = %d", active)
	}
}
