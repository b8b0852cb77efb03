// Package observability records pipeline outcomes twice: as Prometheus
// instruments for scraping and as an in-memory window for the analytics
// dashboard.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// promMetrics are the exported Prometheus instruments.
type promMetrics struct {
	reportsTotal      *prometheus.CounterVec
	reportDuration    prometheus.Histogram
	capturesTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	activePipelines   prometheus.Gauge
	completenessScore prometheus.Histogram
	llmCost           prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		reportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketlens",
			Name:      "reports_total",
			Help:      "Report pipeline runs by processing method and outcome.",
		}, []string{"method", "outcome"}),
		reportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketlens",
			Name:      "report_duration_seconds",
			Help:      "End-to-end report pipeline duration.",
			Buckets:   []float64{1, 5, 15, 30, 45, 60, 120, 300},
		}),
		capturesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketlens",
			Name:      "captures_total",
			Help:      "Snapshot captures by outcome.",
		}, []string{"outcome"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketlens",
			Name:      "errors_total",
			Help:      "Pipeline errors by kind.",
		}, []string{"kind"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketlens",
			Name:      "queue_depth",
			Help:      "Tasks waiting in the report queue.",
		}),
		activePipelines: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketlens",
			Name:      "active_pipelines",
			Help:      "Report pipelines currently running.",
		}),
		completenessScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketlens",
			Name:      "data_completeness_score",
			Help:      "Data completeness score per generated report.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		llmCost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marketlens",
			Name:      "llm_cost_total",
			Help:      "Accumulated LLM cost across reports.",
		}),
	}
}
