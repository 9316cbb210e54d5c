package model

// HealthStatus represents the health state of a docstore node
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures health checks are based on
type HealthMetrics struct {
	CacheUsagePercent float64
	CacheHitRate      float64
	DiskUsagePercent  float64
	BackendLatencyMs  float64
}

// NodeState is what a node advertises to its cluster peers: its identity,
// the newest revision it knows of and its health.
type NodeState struct {
	NodeID    string
	ClusterID uint32
	Head      Revision
	Status    NodeStatus
	Timestamp int64
}
