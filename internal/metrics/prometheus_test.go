package metrics_test

import (
	"testing"

	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")

	m.RecordOperation("find", "nodes", "ok", 0.01)
	m.RecordOperation("find", "nodes", "ok", 0.02)
	m.RecordCASConflict("nodes")
	m.RecordCacheHit()
	m.RecordCacheRejectedInstall("stale_generation")
	m.RecordPlannerSelection("nodeType")
	m.UpdateCacheEntries(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("find", "nodes", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CASConflictsTotal.WithLabelValues("nodes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRejectedInstallsTotal.WithLabelValues("stale_generation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlannerSelectionsTotal.WithLabelValues("nodeType")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CacheEntriesTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordOperation("find", "nodes", "ok", 0.1)
		m.RecordCacheEviction()
		m.RecordPlannerFallback()
		m.RecordPrefetch(false)
		m.UpdateSystemStats(1, 1, 1, 1)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.NewMetrics(prometheus.NewRegistry(), "a")
		metrics.NewMetrics(prometheus.NewRegistry(), "b")
	})
}
