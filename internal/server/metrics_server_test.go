package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct{}

func (fakeStore) CacheStats() service.CacheStats {
	return service.CacheStats{EntryCount: 3, MaxEntries: 10, Segments: 2, UsagePercent: 30, Hits: 6, Misses: 2, HitRate: 0.75}
}

func (fakeStore) PrefetchStats() workerpool.Stats {
	return workerpool.Stats{Name: "prefetch", Submitted: 5, Completed: 4, Coalesced: 1}
}

func (fakeStore) BackendName() string { return "memory" }

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, path string) (*MetricsServer, *metrics.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")

	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	checker.Register("backend", health.BackendCheck(okPinger{}))
	checker.RunChecks(context.Background())

	ms := NewMetricsServer(&MetricsServerConfig{Path: path, DataDir: t.TempDir()},
		reg, m, checker, fakeStore{}, zap.NewNop())
	return ms, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsServer_ExposesMetrics(t *testing.T) {
	ms, m := newTestServer(t, "/prom")
	m.RecordCASConflict("nodes")
	ms.updateSystemMetrics()

	rec := get(t, ms.Handler(), "/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "docstore_system_goroutines_total")
	assert.Contains(t, body, "docstore_system_disk_available_bytes")
	assert.Contains(t, body, `collection="nodes"`)

	assert.Equal(t, http.StatusNotFound, get(t, ms.Handler(), "/metrics").Code)
}

func TestMetricsServer_HealthEndpoints(t *testing.T) {
	ms, _ := newTestServer(t, "")
	for _, path := range []string{"/health", "/ready", "/health/live", "/health/ready", "/health/checks"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusOK, get(t, ms.Handler(), path).Code)
		})
	}
}

func TestMetricsServer_StoreStats(t *testing.T) {
	ms, _ := newTestServer(t, "")
	rec := get(t, ms.Handler(), "/debug/store")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Backend string `json:"backend"`
		Cache   struct {
			Entries int     `json:"entries"`
			HitRate float64 `json:"hit_rate"`
		} `json:"cache"`
		Prefetch struct {
			Submitted uint64 `json:"submitted"`
			Coalesced uint64 `json:"coalesced"`
		} `json:"prefetch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory", body.Backend)
	assert.Equal(t, 3, body.Cache.Entries)
	assert.Equal(t, 0.75, body.Cache.HitRate)
	assert.Equal(t, uint64(5), body.Prefetch.Submitted)
	assert.Equal(t, uint64(1), body.Prefetch.Coalesced)
}

func TestMetricsServer_StartStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")
	ms := NewMetricsServer(&MetricsServerConfig{Host: "127.0.0.1", Port: 0},
		reg, m, nil, nil, zap.NewNop())
	require.NoError(t, ms.Start())

	resp, err := http.Get("http://" + ms.Addr() + "/metrics")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ms.Stop(ctx))
}
