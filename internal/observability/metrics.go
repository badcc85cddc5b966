// Package observability holds the Prometheus metrics collector shared across
// components. Components receive the collector at construction and update it
// directly; there is no global registry access outside this package.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the backend.
type Collector struct {
	registry *prometheus.Registry

	// Ingestion
	LogsIngested prometheus.Counter
	LogsFailed   prometheus.Counter
	IngestTime   prometheus.Histogram
	BatchSize    prometheus.Histogram

	// Query path
	QueriesExecuted prometheus.Counter
	QueryTime       prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter

	// Storage
	TierOperations *prometheus.CounterVec
	TierDuration   *prometheus.HistogramVec
	MigratedTotal  *prometheus.CounterVec

	// Reliability core
	ActiveSubscriptions prometheus.Gauge
	PoolActive          *prometheus.GaugeVec
	PoolIdle            *prometheus.GaugeVec
	PoolWaiters         *prometheus.GaugeVec
	CircuitState        *prometheus.GaugeVec

	// HTTP edge
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector backed by its own registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		LogsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "logs_ingested_total",
			Help: "Total number of log entries accepted by the pipeline",
		}),
		LogsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "logs_failed_total",
			Help: "Total number of log entries rejected or failed",
		}),
		IngestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_duration_seconds",
			Help:    "Latency of batch flushes through the pipeline",
			Buckets: prometheus.DefBuckets,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_batch_size",
			Help:    "Observed flush batch sizes",
			Buckets: []float64{1, 10, 25, 50, 100, 250, 500, 1000},
		}),

		QueriesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_executed_total",
			Help: "Total number of queries executed",
		}),
		QueryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds",
			Help:    "End to end query latency",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Query cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Query cache misses",
		}),

		TierOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tier_operations_total",
			Help: "Storage adapter operations by tier, operation, and outcome",
		}, []string{"tier", "operation", "outcome"}),
		TierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tier_operation_duration_seconds",
			Help:    "Storage adapter operation latency by tier and operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier", "operation"}),
		MigratedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_migrated_total",
			Help: "Entries moved between tiers by the lifecycle migrator",
		}, []string{"from", "to"}),

		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_subscriptions",
			Help: "Currently registered live subscriptions",
		}),
		PoolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_active_connections",
			Help: "Active connections by pool",
		}, []string{"pool"}),
		PoolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_idle_connections",
			Help: "Idle connections by pool",
		}, []string{"pool"}),
		PoolWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_waiting_acquires",
			Help: "Acquire calls queued by pool",
		}, []string{"pool"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_state",
			Help: "Circuit breaker state by name (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.LogsIngested, c.LogsFailed, c.IngestTime, c.BatchSize,
		c.QueriesExecuted, c.QueryTime, c.CacheHits, c.CacheMisses,
		c.TierOperations, c.TierDuration, c.MigratedTotal,
		c.ActiveSubscriptions, c.PoolActive, c.PoolIdle, c.PoolWaiters, c.CircuitState,
		c.HTTPRequests, c.HTTPDuration,
	)
	return c
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
