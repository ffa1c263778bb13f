// Package metrics holds the prometheus collectors for the query service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datapilot"

var (
	// Query executions by terminal status and failure kind ("" on success).
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queries_total",
			Help:      "Query executions by terminal status and failure kind",
		},
		[]string{"status", "kind"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "query_duration_seconds",
			Help:      "End-to-end execution time including translation",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	RowsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rows_returned",
			Help:      "Rows returned per successful execution",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	TranslationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "translator",
			Name:      "duration_seconds",
			Help:      "NL to SQL provider latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "outcome"},
	)

	ValidationRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "rejections_total",
			Help:      "Statements rejected by the SQL validator",
		},
	)

	PoolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_total",
			Help:      "Handle acquisitions by result",
		},
		[]string{"result"},
	)

	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a handle",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
		},
	)

	PoolsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "open",
			Help:      "Open per-connection pools",
		},
	)

	PoolEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Pools closed by reason",
		},
		[]string{"reason"},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connect_attempts_total",
			Help:      "Physical connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	SchemaCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "cache_total",
			Help:      "Schema context cache lookups by result",
		},
		[]string{"cache", "result"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordQuery records a finished execution.
func RecordQuery(status, kind string, elapsed time.Duration) {
	QueriesTotal.WithLabelValues(status, kind).Inc()
	QueryDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordTranslation records one provider call.
func RecordTranslation(provider, outcome string, elapsed time.Duration) {
	TranslationDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}

// RecordAcquire records the result of a pool acquisition.
func RecordAcquire(result string, waited time.Duration) {
	PoolAcquireTotal.WithLabelValues(result).Inc()
	PoolAcquireWait.Observe(waited.Seconds())
}

// RecordEviction records a pool being closed.
func RecordEviction(reason string) {
	PoolEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordSchemaCache records a schema cache lookup.
func RecordSchemaCache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	SchemaCacheTotal.WithLabelValues(cache, result).Inc()
}
