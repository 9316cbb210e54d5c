package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/backend"
	"github.com/devrev/pairdb/docstore/internal/backend/badgerdb"
	"github.com/devrev/pairdb/docstore/internal/backend/memory"
	"github.com/devrev/pairdb/docstore/internal/backend/postgres"
	"github.com/devrev/pairdb/docstore/internal/backend/redisdb"
	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/health"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/query"
	"github.com/devrev/pairdb/docstore/internal/server"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "docstore: %v\n", err)
		os.Exit(1)
	}
}

// run starts the node and blocks until it is told to stop. Every error
// return unwinds the deferred cleanup.
func run() error {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint32("cluster_id", cfg.Server.ClusterID),
		zap.String("backend", cfg.Backend.Type),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		registerer, gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	m := metrics.NewMetrics(registerer, cfg.Server.NodeID)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:        cfg.Server.NodeID,
		CheckInterval: cfg.Health.CheckInterval,
		CheckTimeout:  cfg.Health.CheckTimeout,
	}, logger)

	b, dataDir, err := openBackend(ctx, cfg, checker, logger)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
	}

	cache, err := service.NewDocumentCache(&service.CacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		Segments:   cfg.Cache.Segments,
	}, m, logger)
	if err != nil {
		b.Close()
		return fmt.Errorf("create document cache: %w", err)
	}

	store := service.NewDocumentStore(b, cache, &service.StoreConfig{
		MaxRetries:        cfg.Store.MaxRetries,
		RetryBackoff:      cfg.Store.RetryBackoff,
		UpdateParallelism: cfg.Store.UpdateParallelism,
		PrefetchWorkers:   cfg.Store.PrefetchWorkers,
		PrefetchQueue:     cfg.Store.PrefetchQueue,
	}, m, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close document store", zap.Error(err))
		}
	}()

	checker.Register("backend", health.BackendCheck(store))
	checker.Register("cache", health.CacheCheck(store, cfg.Health.CacheWarnThreshold))
	checker.Register("file_descriptors", health.FileDescriptorCheck())

	clock := service.NewRevisionClock(time.Now, logger)

	// The cluster id is claimed before anything else is written.
	lease := service.NewClusterLease(store, clock, cfg.Server.ClusterID, cfg.Server.NodeID,
		service.ClusterLeaseConfig{
			Duration:      cfg.Server.LeaseDuration,
			RenewInterval: cfg.Server.LeaseRenewInterval,
		}, logger)
	if err := lease.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire cluster id %d: %w", cfg.Server.ClusterID, err)
	}
	lease.Start(ctx)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			logger.Warn("Failed to release cluster lease", zap.Error(err))
		}
	}()

	// Property indexes follow store commits; the initial content is read
	// from the backend.
	indexer := query.NewIndexer(logger, indexDefinitions(cfg.Query.Indexes)...)
	store.AddCommitListener(indexer.OnCommit)
	start := time.Now()
	n, err := indexer.Rebuild(ctx, store, cfg.Query.RebuildBatch)
	if err != nil {
		return fmt.Errorf("build property indexes: %w", err)
	}
	logger.Info("Property indexes built",
		zap.Int("nodes", n),
		zap.Int("indexes", len(cfg.Query.Indexes)),
		zap.Duration("duration", time.Since(start)))

	planner := query.NewPlanner(
		query.NewTraversingIndex(store, cfg.Query.TraversalBatch),
		m, logger,
		query.NodeTypeIndex{},
		query.PropertyIndex{},
	)

	// Initialize gossip service if enabled
	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(
			&service.GossipConfig{
				BindAddr:       cfg.Gossip.BindAddr,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID,
			cfg.Server.ClusterID,
			clock,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			checker.OnStatusChange(gossipSvc.UpdateHealthStatus)
			logger.Info("Gossip service initialized", zap.Int("members", gossipSvc.NumMembers()))
		}
	}

	go checker.Start(ctx)

	httpServer := server.NewMetricsServer(&server.MetricsServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Path:    cfg.Metrics.Path,
		DataDir: dataDir,
	}, gatherer, m, checker, store, logger)
	httpServer.Handle("/debug/query", server.NewQueryHandler(planner, indexer, store, logger))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	logger.Info("Document store node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("backend", store.BackendName()),
		zap.String("head", clock.Head().String()),
		zap.String("lease_revision", lease.LastRevision().String()))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	return nil
}

// openBackend opens the configured backend and registers the health checks
// that belong to it. dataDir is empty unless the backend keeps local files.
func openBackend(ctx context.Context, cfg *config.Config, checker *health.HealthChecker,
	logger *zap.Logger) (backend.Backend, string, error) {
	switch cfg.Backend.Type {
	case config.BackendMemory:
		return memory.New(), "", nil

	case config.BackendBadger:
		bc := cfg.Backend.Badger
		if bc.InMemory {
			db, err := badgerdb.Open(badgerdb.InMemoryConfig(), logger)
			if err != nil {
				return nil, "", err
			}
			return db, "", nil
		}
		if err := os.MkdirAll(bc.DataDir, 0755); err != nil {
			return nil, "", fmt.Errorf("create data directory: %w", err)
		}
		guard, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
			DataDir:                 bc.DataDir,
			CheckInterval:           bc.DiskCheckInterval,
			WarningThreshold:        bc.DiskWarningThreshold,
			ThrottleThreshold:       bc.DiskThrottleThreshold,
			CircuitBreakerThreshold: bc.DiskCircuitThreshold,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		checker.Register("disk", health.DiskCheck(guard))
		checker.Register("data_dir", health.DataDirCheck(bc.DataDir))

		db, err := badgerdb.Open(badgerdb.Config{
			Path:              bc.DataDir,
			SyncWrites:        bc.SyncWrites,
			GCInterval:        bc.GCInterval,
			GCDiscardRatio:    bc.GCDiscardRatio,
			SequenceBandwidth: bc.SequenceBandwidth,
			DiskGuard:         guard,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return db, bc.DataDir, nil

	case config.BackendPostgres:
		pc := cfg.Backend.Postgres
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:         pc.DSN(),
			TablePrefix: pc.TablePrefix,
			MaxConns:    pc.MaxConns,
			MinConns:    pc.MinConns,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return db, "", nil

	case config.BackendRedis:
		rc := cfg.Backend.Redis
		client, err := redisdb.Open(ctx, redisdb.Config{
			Addr:      rc.Addr(),
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return client, "", nil
	}
	return nil, "", fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
}

func indexDefinitions(cfgs []config.IndexConfig) []query.PropertyIndexDefinition {
	defs := make([]query.PropertyIndexDefinition, 0, len(cfgs))
	for _, c := range cfgs {
		defs = append(defs, query.PropertyIndexDefinition{
			Name:     c.Name,
			Property: c.Property,
			Paths:    c.Paths,
		})
	}
	return defs
}

// initLogger builds a production zap logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
