// Package observability provides Prometheus metrics for the scoring pipeline.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Scorer metrics
	ModelsTrained   prometheus.Counter
	RecordsScored   prometheus.Counter
	AnomaliesFound  prometheus.Counter
	ScorerErrors    *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec

	// Refresh metrics
	RefreshCycles   *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	FeedRecords     prometheus.Gauge
	LastRefresh     prometheus.Gauge

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tokenwise"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ModelsTrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "models_trained_total",
			Help:      "Total number of entity baselines trained",
		}),
		RecordsScored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "records_scored_total",
			Help:      "Total number of transactions scored past a watermark",
		}),
		AnomaliesFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "anomalies_total",
			Help:      "Total number of transactions classified as anomalies",
		}),
		ScorerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "errors_total",
			Help:      "Total number of per-entity failures by stage",
		}, []string{"stage"}),
		ProcessDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "process_duration_seconds",
			Help:      "Time to process one entity",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		RefreshCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "cycles_total",
			Help:      "Total number of refresh cycles by status",
		}, []string{"status"}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Refresh cycle duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		FeedRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "feed_records",
			Help:      "Number of transactions in the latest feed",
		}),
		LastRefresh: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh cycle",
		}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Feed reads served from cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Feed reads that went to the source",
		}),
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordError increments the error counter for a stage.
func (m *Metrics) RecordError(stage string) {
	m.ScorerErrors.WithLabelValues(stage).Inc()
}
