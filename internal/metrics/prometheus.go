package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docstore"

// Metrics holds all Prometheus metrics for a document store node. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Store operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	DocumentBytes     prometheus.Histogram

	// Update conflict metrics
	CASConflictsTotal  *prometheus.CounterVec
	CASExhaustedTotal  *prometheus.CounterVec
	UpdateAttempts     prometheus.Histogram
	BackendErrorsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal             prometheus.Counter
	CacheMissesTotal           prometheus.Counter
	CacheEvictionsTotal        prometheus.Counter
	CacheRejectedInstallsTotal *prometheus.CounterVec
	CacheInvalidationsTotal    prometheus.Counter
	CacheEntriesTotal          prometheus.Gauge

	// Query metrics
	PlannerSelectionsTotal *prometheus.CounterVec
	PlannerFallbacksTotal  prometheus.Counter
	PlannerResultsTotal    *prometheus.CounterVec
	QueryResultsTotal      *prometheus.CounterVec

	// Prefetch worker metrics
	PrefetchSubmittedTotal prometheus.Counter
	PrefetchDroppedTotal   prometheus.Counter

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total number of store operations by operation, collection and result",
			ConstLabels: labels,
		}, []string{"operation", "collection", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of store operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		DocumentBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "document_bytes",
			Help:        "Histogram of estimated sizes of written documents",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 2, 10), // 256B to 128KB
		}),

		CASConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "cas_conflicts_total",
			Help:        "Conditional updates rejected by the backend because another writer committed first",
			ConstLabels: labels,
		}, []string{"collection"}),
		CASExhaustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "cas_exhausted_total",
			Help:        "Updates that gave up after the maximum number of conflicts",
			ConstLabels: labels,
		}, []string{"collection"}),
		UpdateAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "update_attempts",
			Help:        "Histogram of backend attempts per successful update",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 1, 10),
		}),
		BackendErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "backend",
			Name:        "errors_total",
			Help:        "Backend failures by operation",
			ConstLabels: labels,
		}, []string{"operation"}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total number of cache evictions",
			ConstLabels: labels,
		}),
		CacheRejectedInstallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "rejected_installs_total",
			Help:        "Cache installs refused because a newer state was already known, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		CacheInvalidationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "invalidations_total",
			Help:        "Total number of invalidated cache entries",
			ConstLabels: labels,
		}),
		CacheEntriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "entries_total",
			Help:        "Current number of cache entries",
			ConstLabels: labels,
		}),

		PlannerSelectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "planner_selections_total",
			Help:        "Number of times each index was selected by the planner",
			ConstLabels: labels,
		}, []string{"index"}),
		PlannerFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "planner_fallbacks_total",
			Help:        "Queries for which no index reported a finite cost",
			ConstLabels: labels,
		}),
		PlannerResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "planner_results_total",
			Help:        "Paths returned by planned queries, by selected index",
			ConstLabels: labels,
		}, []string{"index"}),
		QueryResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "query",
			Name:        "range_results_total",
			Help:        "Documents returned by range queries by collection",
			ConstLabels: labels,
		}, []string{"collection"}),

		PrefetchSubmittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "prefetch",
			Name:        "submitted_total",
			Help:        "Prefetch tasks submitted to the worker pool",
			ConstLabels: labels,
		}),
		PrefetchDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "prefetch",
			Name:        "dropped_total",
			Help:        "Prefetch tasks dropped because the queue was full",
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Total number of gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),

		DiskUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordOperation records one store operation
func (m *Metrics) RecordOperation(operation, collection, result string, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, collection, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordDocumentWrite records the size of a written document
func (m *Metrics) RecordDocumentWrite(bytes int) {
	if m == nil {
		return
	}
	m.DocumentBytes.Observe(float64(bytes))
}

// RecordCASConflict records a rejected conditional update
func (m *Metrics) RecordCASConflict(collection string) {
	if m == nil {
		return
	}
	m.CASConflictsTotal.WithLabelValues(collection).Inc()
}

// RecordCASExhausted records an update that ran out of retries
func (m *Metrics) RecordCASExhausted(collection string) {
	if m == nil {
		return
	}
	m.CASExhaustedTotal.WithLabelValues(collection).Inc()
}

// RecordUpdateAttempts records the attempts taken by a successful update
func (m *Metrics) RecordUpdateAttempts(attempts int) {
	if m == nil {
		return
	}
	m.UpdateAttempts.Observe(float64(attempts))
}

// RecordBackendError records a backend failure
func (m *Metrics) RecordBackendError(operation string) {
	if m == nil {
		return
	}
	m.BackendErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction records a cache eviction
func (m *Metrics) RecordCacheEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.Inc()
}

// RecordCacheRejectedInstall records an install refused by the cache
func (m *Metrics) RecordCacheRejectedInstall(reason string) {
	if m == nil {
		return
	}
	m.CacheRejectedInstallsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheInvalidation records an invalidated entry
func (m *Metrics) RecordCacheInvalidation() {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.Inc()
}

// UpdateCacheEntries updates the cache entry gauge
func (m *Metrics) UpdateCacheEntries(entries int) {
	if m == nil {
		return
	}
	m.CacheEntriesTotal.Set(float64(entries))
}

// RecordPlannerSelection records the index chosen for a query
func (m *Metrics) RecordPlannerSelection(index string) {
	if m == nil {
		return
	}
	m.PlannerSelectionsTotal.WithLabelValues(index).Inc()
}

// RecordPlannerFallback records a query no index could answer
func (m *Metrics) RecordPlannerFallback() {
	if m == nil {
		return
	}
	m.PlannerFallbacksTotal.Inc()
}

// RecordPlannerResults records the number of paths a planned query returned
func (m *Metrics) RecordPlannerResults(index string, count int) {
	if m == nil {
		return
	}
	m.PlannerResultsTotal.WithLabelValues(index).Add(float64(count))
}

// RecordQueryResults records the size of a range query result
func (m *Metrics) RecordQueryResults(collection string, count int) {
	if m == nil {
		return
	}
	m.QueryResultsTotal.WithLabelValues(collection).Add(float64(count))
}

// RecordPrefetch records a prefetch submission
func (m *Metrics) RecordPrefetch(submitted bool) {
	if m == nil {
		return
	}
	if submitted {
		m.PrefetchSubmittedTotal.Inc()
	} else {
		m.PrefetchDroppedTotal.Inc()
	}
}

// UpdateGossipMembers updates the member gauge
func (m *Metrics) UpdateGossipMembers(total int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(total))
}

// RecordGossipMessage records a gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	if m == nil {
		return
	}
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
