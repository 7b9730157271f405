// Package metrics holds the Prometheus metric set of the library.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the library. A nil *Metrics is
// valid and records nothing, so instrumentation points never need to guard.
type Metrics struct {
	// Cluster operation metrics
	ClusterOpsTotal   *prometheus.CounterVec
	ClusterOpDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheSizeBytes      prometheus.Gauge

	// Connection metrics
	ConnectionErrorsTotal prometheus.Counter
}

// New creates the metric set registered against the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClusterOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kineticio_cluster_operations_total",
			Help: "Cluster operations by type and result status",
		}, []string{"operation", "status"}),
		ClusterOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kineticio_cluster_operation_duration_seconds",
			Help:    "Latency of cluster operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kineticio_cache_hits_total",
			Help: "Data cache lookups served without drive I/O",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kineticio_cache_misses_total",
			Help: "Data cache lookups that instantiated a new block",
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kineticio_cache_evictions_total",
			Help: "Blocks evicted from the data cache",
		}),
		CacheSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kineticio_cache_size_bytes",
			Help: "Current data cache size",
		}),
		ConnectionErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kineticio_connection_errors_total",
			Help: "Drive connection failures observed",
		}),
	}
}

// ObserveClusterOp records one cluster operation outcome
func (m *Metrics) ObserveClusterOp(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ClusterOpsTotal.WithLabelValues(operation, status).Inc()
	m.ClusterOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// CacheHit records a cache hit
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// CacheMiss records a cache miss
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// CacheEviction records an evicted block
func (m *Metrics) CacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// SetCacheSize records the current cache size
func (m *Metrics) SetCacheSize(bytes int64) {
	if m == nil {
		return
	}
	m.CacheSizeBytes.Set(float64(bytes))
}

// ConnectionError records one observed drive connection failure
func (m *Metrics) ConnectionError() {
	if m == nil {
		return
	}
	m.ConnectionErrorsTotal.Inc()
}
