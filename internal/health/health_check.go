package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"go.uber.org/zap"
)

// Check statuses. A critical check makes the node unready.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	record func(*model.HealthMetrics)
}

// Check produces one CheckResult. It should return once ctx is done.
type Check func(ctx context.Context) CheckResult

// Pinger is anything that can report whether its backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheStatsSource reports document cache statistics.
type CacheStatsSource interface {
	CacheStats() service.CacheStats
}

// HealthChecker periodically runs registered checks and derives the node
// status, liveness and readiness from their results.
type HealthChecker struct {
	nodeID   string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	checkMu sync.Mutex
	order   []string
	probes  map[string]Check

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
	listeners   []func(model.NodeStatus)
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID        string
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// NewHealthChecker creates a new health checker with no checks registered
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
		probes:      make(map[string]Check),
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Register adds or replaces the check called name.
func (h *HealthChecker) Register(name string, check Check) {
	h.checkMu.Lock()
	defer h.checkMu.Unlock()
	if _, ok := h.probes[name]; !ok {
		h.order = append(h.order, name)
	}
	h.probes[name] = check
}

// OnStatusChange registers fn to be called whenever the overall status changes.
func (h *HealthChecker) OnStatusChange(fn func(model.NodeStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Start runs the checks every interval until ctx is cancelled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every registered check once and updates the node status.
func (h *HealthChecker) RunChecks(ctx context.Context) model.NodeStatus {
	h.checkMu.Lock()
	names := append([]string(nil), h.order...)
	probes := make([]Check, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.checkMu.Unlock()

	results := make([]CheckResult, len(probes))
	for i, probe := range probes {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		results[i] = probe(cctx)
		cancel()
		results[i].Name = names[i]
		if results[i].Timestamp.IsZero() {
			results[i].Timestamp = time.Now()
		}
	}

	allHealthy, allReady := true, true
	var hm model.HealthMetrics
	for _, r := range results {
		if r.record != nil {
			r.record(&hm)
		}
		if r.Status != StatusHealthy {
			allHealthy = false
			if r.Status == StatusCritical {
				allReady = false
			}
		}
	}

	status := model.NodeStatusHealthy
	switch {
	case !allReady:
		status = model.NodeStatusUnhealthy
	case !allHealthy:
		status = model.NodeStatusDegraded
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.metrics = hm
	changed := h.status != status
	h.status = status
	// Liveness: always true if we can execute this function
	h.livenessOK = true
	h.readinessOK = allReady
	listeners := h.listeners
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", allReady))
	if changed {
		h.logger.Info("Node status changed", zap.String("status", string(status)))
		for _, fn := range listeners {
			fn(status)
		}
	}
	return status
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetLiveness manually sets liveness status (for testing)
func (h *HealthChecker) SetLiveness(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessOK = live
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()
	writeProbe(w, live, map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()
	writeProbe(w, ready, map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
	})
}

// ChecksHandler reports every check result, sorted by name.
func (h *HealthChecker) ChecksHandler(w http.ResponseWriter, r *http.Request) {
	checks := h.GetChecks()
	list := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	status := h.GetStatus()
	writeProbe(w, status.Status != model.NodeStatusUnhealthy, map[string]interface{}{
		"node_id": status.NodeID,
		"status":  status.Status,
		"checks":  list,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(body)
}

// RegisterHandlers mounts the probe endpoints on mux.
func (h *HealthChecker) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)
	mux.HandleFunc("/health/checks", h.ChecksHandler)
}

// BackendCheck pings the document store's backend.
func BackendCheck(p Pinger) Check {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		err := p.Ping(ctx)
		latency := time.Since(start)
		record := func(m *model.HealthMetrics) {
			m.BackendLatencyMs = float64(latency.Microseconds()) / 1000
		}
		if err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Backend unreachable: %v", err),
				record:  record,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("Backend responded in %s", latency),
			record:  record,
		}
	}
}

// CacheCheck warns once the document cache is fuller than warnPercent.
func CacheCheck(src CacheStatsSource, warnPercent float64) Check {
	return func(ctx context.Context) CheckResult {
		stats := src.CacheStats()
		record := func(m *model.HealthMetrics) {
			m.CacheUsagePercent = stats.UsagePercent
			m.CacheHitRate = stats.HitRate
		}
		msg := fmt.Sprintf("Cache usage: %.2f%% (%d/%d), hit rate: %.2f",
			stats.UsagePercent, stats.EntryCount, stats.MaxEntries, stats.HitRate)
		if warnPercent > 0 && stats.UsagePercent > warnPercent {
			return CheckResult{Status: StatusWarning, Message: msg, record: record}
		}
		return CheckResult{Status: StatusHealthy, Message: msg, record: record}
	}
}

// DiskCheck reports the state of the disk guard protecting a data directory.
func DiskCheck(dm *diskmanager.DiskManager) Check {
	return func(ctx context.Context) CheckResult {
		stats := dm.GetDiskUsage()
		record := func(m *model.HealthMetrics) {
			m.DiskUsagePercent = stats.UsagePercent
		}
		switch {
		case stats.IsCircuitBroken:
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Disk usage critical: %.2f%%", stats.UsagePercent),
				record:  record,
			}
		case stats.IsThrottled:
			return CheckResult{
				Status:  StatusWarning,
				Message: fmt.Sprintf("Disk usage high: %.2f%%", stats.UsagePercent),
				record:  record,
			}
		}
		return CheckResult{
			Status: StatusHealthy,
			Message: fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB",
				stats.UsagePercent, float64(stats.AvailableBytes)/1024/1024/1024),
			record: record,
		}
	}
}

// DataDirCheck verifies that dir exists and is writable.
func DataDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(dir)
		if err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Data directory not accessible: %v", err),
			}
		}
		if !info.IsDir() {
			return CheckResult{Status: StatusCritical, Message: "Data path is not a directory"}
		}

		testFile := filepath.Join(dir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
		f, err := os.Create(testFile)
		if err != nil {
			return CheckResult{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Cannot write to data directory: %v", err),
			}
		}
		f.Close()
		os.Remove(testFile)

		return CheckResult{Status: StatusHealthy, Message: "Data directory is accessible and writable"}
	}
}

// FileDescriptorCheck warns when more than 90% of the descriptor limit is in use.
func FileDescriptorCheck() Check {
	return func(ctx context.Context) CheckResult {
		var rlimit syscall.Rlimit
		if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
			return CheckResult{
				Status:  StatusWarning,
				Message: fmt.Sprintf("Failed to get rlimit: %v", err),
			}
		}

		// Linux only; elsewhere just report the limits
		entries, err := os.ReadDir("/proc/self/fd")
		if err != nil || rlimit.Cur == 0 {
			return CheckResult{
				Status:  StatusHealthy,
				Message: fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max),
			}
		}

		openFDs := uint64(len(entries))
		usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
		msg := fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur)
		if usagePercent > 90 {
			return CheckResult{Status: StatusWarning, Message: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}
