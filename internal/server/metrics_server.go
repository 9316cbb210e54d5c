package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StoreStats is the part of the document store the server reports on.
type StoreStats interface {
	CacheStats() service.CacheStats
	PrefetchStats() workerpool.Stats
	BackendName() string
}

// MetricsServer serves Prometheus metrics, health probes and store
// statistics via HTTP
type MetricsServer struct {
	httpServer *http.Server
	mux        *http.ServeMux
	metrics    *metrics.Metrics
	store      StoreStats
	logger     *zap.Logger
	dataDir    string
	interval   time.Duration
	listener   net.Listener
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Host string
	Port int
	Path string
	// DataDir, if set, is where disk usage is measured.
	DataDir         string
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server. Without a gatherer no
// metrics are exposed. checker and store may be nil.
func NewMetricsServer(cfg *MetricsServerConfig, gatherer prometheus.Gatherer, m *metrics.Metrics,
	checker *health.HealthChecker, store StoreStats, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		mux:      mux,
		metrics:  m,
		store:    store,
		logger:   logger,
		dataDir:  cfg.DataDir,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	if gatherer != nil {
		mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if checker != nil {
		checker.RegisterHandlers(mux)
		mux.HandleFunc("/health", checker.LivenessHandler)
		mux.HandleFunc("/ready", checker.ReadinessHandler)
	}
	if store != nil {
		mux.HandleFunc("/debug/store", ms.storeHandler)
	}

	return ms
}

// Handler returns the server's request multiplexer.
func (s *MetricsServer) Handler() http.Handler {
	return s.mux
}

// Handle registers an additional handler on the server's mux.
func (s *MetricsServer) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start binds the listener and starts serving in the background
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *MetricsServer) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// storeHandler reports cache and prefetch statistics
func (s *MetricsServer) storeHandler(w http.ResponseWriter, r *http.Request) {
	cache := s.store.CacheStats()
	prefetch := s.store.PrefetchStats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"backend": s.store.BackendName(),
		"cache": map[string]interface{}{
			"entries":       cache.EntryCount,
			"max_entries":   cache.MaxEntries,
			"segments":      cache.Segments,
			"usage_percent": cache.UsagePercent,
			"hits":          cache.Hits,
			"misses":        cache.Misses,
			"hit_rate":      cache.HitRate,
		},
		"prefetch": map[string]interface{}{
			"active_workers": prefetch.ActiveWorkers,
			"queued_jobs":    prefetch.QueuedJobs,
			"submitted":      prefetch.Submitted,
			"completed":      prefetch.Completed,
			"failed":         prefetch.Failed,
			"rejected":       prefetch.Rejected,
			"coalesced":      prefetch.Coalesced,
		},
	})
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	s.updateSystemMetrics()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	var diskUsage, diskAvailable int64
	if s.dataDir != "" {
		var err error
		diskUsage, diskAvailable, err = getDiskStats(s.dataDir)
		if err != nil {
			s.logger.Error("Failed to get disk stats", zap.Error(err))
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(diskUsage, diskAvailable, int64(memStats.Alloc), runtime.NumGoroutine())

	if s.store != nil {
		// refreshes the cache entries gauge
		s.store.CacheStats()
	}
}

// getDiskStats returns disk usage statistics for dir
func getDiskStats(dir string) (used int64, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	available = int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used = total - int64(stat.Bfree)*int64(stat.Bsize)

	return used, available, nil
}
