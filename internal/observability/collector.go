package observability

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketlens/marketlens/internal/types"
)

// Timeframes for dashboard aggregation.
const (
	TimeframeHourly  = "hourly"
	TimeframeDaily   = "daily"
	TimeframeWeekly  = "weekly"
	TimeframeMonthly = "monthly"
)

// DefaultRetention bounds how long raw outcome records are kept.
const DefaultRetention = 31 * 24 * time.Hour

// Outcome is one finished pipeline run.
type Outcome struct {
	ProjectID    string
	Method       string // immediate, queued, fallback, failed
	Success      bool
	Cancelled    bool
	ErrorKind    types.ErrorKind
	Duration     time.Duration
	Completeness int
	Freshness    string
	Cost         float64
}

// Dashboard is an aggregated view over one timeframe.
type Dashboard struct {
	Timeframe       string             `json:"timeframe"`
	Window          time.Duration      `json:"window"`
	Total           int                `json:"total"`
	Succeeded       int                `json:"succeeded"`
	Failed          int                `json:"failed"`
	Cancelled       int                `json:"cancelled"`
	SuccessRate     float64            `json:"successRate"`
	AvgLatencyMs    int64              `json:"avgLatencyMs"`
	P50LatencyMs    int64              `json:"p50LatencyMs"`
	P95LatencyMs    int64              `json:"p95LatencyMs"`
	P99LatencyMs    int64              `json:"p99LatencyMs"`
	ThroughputPerHr float64            `json:"throughputPerHour"`
	QueueDepth      int                `json:"queueDepth"`
	ActivePipelines int                `json:"activePipelines"`
	ErrorsByKind    map[string]int     `json:"errorsByKind"`
	RunsByProject   map[string]int     `json:"runsByProject"`
	RunsByMethod    map[string]int     `json:"runsByMethod"`
	AvgCompleteness float64            `json:"avgCompleteness"`
	FreshnessCounts map[string]int     `json:"freshnessCounts"`
	TotalCost       float64            `json:"totalCost"`
	GeneratedAt     time.Time          `json:"generatedAt"`
}

type record struct {
	at time.Time
	o  Outcome
}

// Metrics is the pipeline metrics collector. It feeds Prometheus and keeps
// a bounded record window for analytics queries.
type Metrics struct {
	prom      *promMetrics
	retention time.Duration

	mu         sync.Mutex
	records    []record
	active     int
	queueDepth int

	now func() time.Time
}

// New creates a Metrics collector registered on reg.
func New(reg prometheus.Registerer, retention time.Duration) *Metrics {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Metrics{
		prom:      newPromMetrics(reg),
		retention: retention,
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Metrics) SetClock(now func() time.Time) { m.now = now }

// RecordStart marks one pipeline as running.
func (m *Metrics) RecordStart(projectID string) {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	m.prom.activePipelines.Inc()
}

// RecordComplete records a terminal pipeline outcome.
func (m *Metrics) RecordComplete(o Outcome) {
	outcome := "failure"
	switch {
	case o.Cancelled:
		outcome = "cancelled"
	case o.Success:
		outcome = "success"
	}
	m.prom.activePipelines.Dec()
	m.prom.reportsTotal.WithLabelValues(o.Method, outcome).Inc()
	m.prom.reportDuration.Observe(o.Duration.Seconds())
	if o.ErrorKind != "" {
		m.prom.errorsTotal.WithLabelValues(string(o.ErrorKind)).Inc()
	}
	if o.Success {
		m.prom.completenessScore.Observe(float64(o.Completeness))
	}
	if o.Cost > 0 {
		m.prom.llmCost.Add(o.Cost)
	}

	now := m.now()
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.records = append(m.records, record{at: now, o: o})
	m.prune(now)
	m.mu.Unlock()
}

// RecordCapture records a snapshot capture outcome.
func (m *Metrics) RecordCapture(success bool) {
	if success {
		m.prom.capturesTotal.WithLabelValues("success").Inc()
	} else {
		m.prom.capturesTotal.WithLabelValues("failure").Inc()
	}
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.mu.Lock()
	m.queueDepth = n
	m.mu.Unlock()
	m.prom.queueDepth.Set(float64(n))
}

// SnapshotDashboard aggregates outcomes over the named timeframe.
func (m *Metrics) SnapshotDashboard(timeframe string) Dashboard {
	window := timeframeWindow(timeframe)
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	d := Dashboard{
		Timeframe:       timeframe,
		Window:          window,
		QueueDepth:      m.queueDepth,
		ActivePipelines: m.active,
		ErrorsByKind:    make(map[string]int),
		RunsByProject:   make(map[string]int),
		RunsByMethod:    make(map[string]int),
		FreshnessCounts: make(map[string]int),
		GeneratedAt:     now,
	}

	var latencies []time.Duration
	var latencySum time.Duration
	var completenessSum int
	for _, r := range m.records {
		if r.at.Before(cutoff) {
			continue
		}
		o := r.o
		d.Total++
		switch {
		case o.Cancelled:
			d.Cancelled++
		case o.Success:
			d.Succeeded++
		default:
			d.Failed++
		}
		if o.ErrorKind != "" {
			d.ErrorsByKind[string(o.ErrorKind)]++
		}
		d.RunsByProject[o.ProjectID]++
		d.RunsByMethod[o.Method]++
		if o.Freshness != "" {
			d.FreshnessCounts[o.Freshness]++
		}
		latencies = append(latencies, o.Duration)
		latencySum += o.Duration
		completenessSum += o.Completeness
		d.TotalCost += o.Cost
	}

	if d.Total > 0 {
		// Cancelled runs are excluded from the success SLI.
		counted := d.Total - d.Cancelled
		if counted > 0 {
			d.SuccessRate = float64(d.Succeeded) / float64(counted)
		}
		d.AvgLatencyMs = (latencySum / time.Duration(d.Total)).Milliseconds()
		d.AvgCompleteness = float64(completenessSum) / float64(d.Total)
		d.ThroughputPerHr = float64(d.Total) / window.Hours()

		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		d.P50LatencyMs = percentile(latencies, 0.50).Milliseconds()
		d.P95LatencyMs = percentile(latencies, 0.95).Milliseconds()
		d.P99LatencyMs = percentile(latencies, 0.99).Milliseconds()
	}
	return d
}

// ExportJSON serializes the daily dashboard for the HTTP surface; the
// Prometheus registry is the scrape-side wire format.
func (m *Metrics) ExportJSON() ([]byte, error) {
	return json.Marshal(m.SnapshotDashboard(TimeframeDaily))
}

// prune drops records past retention. Caller holds the mutex.
func (m *Metrics) prune(now time.Time) {
	cutoff := now.Add(-m.retention)
	i := 0
	for ; i < len(m.records); i++ {
		if !m.records[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		m.records = append([]record(nil), m.records[i:]...)
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func timeframeWindow(timeframe string) time.Duration {
	switch timeframe {
	case TimeframeHourly:
		return time.Hour
	case TimeframeWeekly:
		return 7 * 24 * time.Hour
	case TimeframeMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
