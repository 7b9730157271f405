package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/plensing/kineticio/internal/metrics"
)

func TestMetricsRecord(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheEviction()
	m.SetCacheSize(4096)
	m.ConnectionError()
	m.ObserveClusterOp("get", "OK", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictionsTotal))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.CacheSizeBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionErrorsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClusterOpsTotal.WithLabelValues("get", "OK")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *metrics.Metrics
	m.CacheHit()
	m.CacheMiss()
	m.CacheEviction()
	m.SetCacheSize(1)
	m.ConnectionError()
	m.ObserveClusterOp("put", "CLIENT_IO_ERROR", time.Millisecond)
}
