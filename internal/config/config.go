package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend types
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ServerConfig holds node identity and HTTP settings
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ClusterID       uint32        `yaml:"cluster_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// LeaseDuration is how long the cluster id claim stays valid without
	// renewal.
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	LeaseRenewInterval time.Duration `yaml:"lease_renew_interval"`
}

// Config represents the complete configuration for a docstore node
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Cache   CacheConfig   `yaml:"cache"`
	Store   StoreConfig   `yaml:"store"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Query   QueryConfig   `yaml:"query"`
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig selects and configures the durable backend
type BackendConfig struct {
	Type     string         `yaml:"type"`
	Badger   BadgerConfig   `yaml:"badger"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// BadgerConfig holds embedded badger settings
type BadgerConfig struct {
	DataDir           string        `yaml:"data_dir"`
	InMemory          bool          `yaml:"in_memory"`
	SyncWrites        bool          `yaml:"sync_writes"`
	GCInterval        time.Duration `yaml:"gc_interval"`
	GCDiscardRatio    float64       `yaml:"gc_discard_ratio"`
	SequenceBandwidth uint64        `yaml:"sequence_bandwidth"`
	// Disk guard thresholds in percent
	DiskWarningThreshold  float64       `yaml:"disk_warning_threshold"`
	DiskThrottleThreshold float64       `yaml:"disk_throttle_threshold"`
	DiskCircuitThreshold  float64       `yaml:"disk_circuit_threshold"`
	DiskCheckInterval     time.Duration `yaml:"disk_check_interval"`
}

// PostgresConfig holds PostgreSQL settings
type PostgresConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	TablePrefix string `yaml:"table_prefix"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
}

// DSN renders the pgx connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig holds document cache configuration
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	Segments   int `yaml:"segments"`
}

// StoreConfig holds document store tuning
type StoreConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	UpdateParallelism int           `yaml:"update_parallelism"`
	PrefetchWorkers   int           `yaml:"prefetch_workers"`
	PrefetchQueue     int           `yaml:"prefetch_queue"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration. Metrics are served on the
// node's HTTP port.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// QueryConfig holds property index definitions and traversal settings
type QueryConfig struct {
	TraversalBatch int           `yaml:"traversal_batch"`
	RebuildBatch   int           `yaml:"rebuild_batch"`
	Indexes        []IndexConfig `yaml:"indexes"`
}

// IndexConfig defines one property index. An empty Paths list indexes the
// whole tree.
type IndexConfig struct {
	Name     string   `yaml:"name"`
	Property string   `yaml:"property"`
	Paths    []string `yaml:"paths"`
}

// HealthConfig holds health checker configuration
type HealthConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	CheckTimeout       time.Duration `yaml:"check_timeout"`
	CacheWarnThreshold float64       `yaml:"cache_warn_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ClusterID == 0 {
		cfg.Server.ClusterID = 1
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.LeaseDuration == 0 {
		cfg.Server.LeaseDuration = 2 * time.Minute
	}
	if cfg.Server.LeaseRenewInterval == 0 {
		cfg.Server.LeaseRenewInterval = 30 * time.Second
	}

	if cfg.Backend.Type == "" {
		cfg.Backend.Type = BackendMemory
	}
	b := &cfg.Backend.Badger
	if b.DataDir == "" {
		b.DataDir = "/var/lib/docstore"
	}
	if b.GCInterval == 0 {
		b.GCInterval = 5 * time.Minute
	}
	if b.GCDiscardRatio == 0 {
		b.GCDiscardRatio = 0.5
	}
	if b.SequenceBandwidth == 0 {
		b.SequenceBandwidth = 1000
	}
	if b.DiskWarningThreshold == 0 {
		b.DiskWarningThreshold = 80
	}
	if b.DiskThrottleThreshold == 0 {
		b.DiskThrottleThreshold = 90
	}
	if b.DiskCircuitThreshold == 0 {
		b.DiskCircuitThreshold = 95
	}
	if b.DiskCheckInterval == 0 {
		b.DiskCheckInterval = 10 * time.Second
	}
	p := &cfg.Backend.Postgres
	if p.Host == "" {
		p.Host = "localhost"
	}
	if p.Port == 0 {
		p.Port = 5432
	}
	if p.TablePrefix == "" {
		p.TablePrefix = "docstore"
	}
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	r := &cfg.Backend.Redis
	if r.Host == "" {
		r.Host = "localhost"
	}
	if r.Port == 0 {
		r.Port = 6379
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = "docstore"
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 100000
	}
	if cfg.Cache.Segments == 0 {
		cfg.Cache.Segments = 16
	}

	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = 10
	}
	if cfg.Store.RetryBackoff == 0 {
		cfg.Store.RetryBackoff = time.Millisecond
	}
	if cfg.Store.UpdateParallelism == 0 {
		cfg.Store.UpdateParallelism = 8
	}
	if cfg.Store.PrefetchWorkers == 0 {
		cfg.Store.PrefetchWorkers = 4
	}
	if cfg.Store.PrefetchQueue == 0 {
		cfg.Store.PrefetchQueue = 1024
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Query.TraversalBatch == 0 {
		cfg.Query.TraversalBatch = 100
	}
	if cfg.Query.RebuildBatch == 0 {
		cfg.Query.RebuildBatch = 1000
	}
	if cfg.Query.Indexes == nil {
		cfg.Query.Indexes = []IndexConfig{
			{Name: "primaryType", Property: "jcr:primaryType"},
			{Name: "mixinTypes", Property: "jcr:mixinTypes"},
		}
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = 10 * time.Second
	}
	if cfg.Health.CheckTimeout == 0 {
		cfg.Health.CheckTimeout = 2 * time.Second
	}
	if cfg.Health.CacheWarnThreshold == 0 {
		cfg.Health.CacheWarnThreshold = 95
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Backend.Type {
	case BackendMemory, BackendRedis:
	case BackendBadger:
		b := c.Backend.Badger
		if b.GCDiscardRatio <= 0 || b.GCDiscardRatio >= 1 {
			return fmt.Errorf("backend.badger.gc_discard_ratio must be between 0 and 1")
		}
		if b.DiskWarningThreshold > b.DiskThrottleThreshold || b.DiskThrottleThreshold > b.DiskCircuitThreshold {
			return fmt.Errorf("backend.badger disk thresholds must be ordered warning <= throttle <= circuit")
		}
	case BackendPostgres:
		if c.Backend.Postgres.Database == "" {
			return fmt.Errorf("backend.postgres.database is required")
		}
	default:
		return fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.Segments < 1 || c.Cache.Segments > c.Cache.MaxEntries {
		return fmt.Errorf("cache.segments must be between 1 and cache.max_entries")
	}
	if c.Store.MaxRetries < 1 {
		return fmt.Errorf("store.max_retries must be positive")
	}
	if c.Store.UpdateParallelism < 1 {
		return fmt.Errorf("store.update_parallelism must be positive")
	}
	seen := make(map[string]bool, len(c.Query.Indexes))
	for i, ix := range c.Query.Indexes {
		if ix.Property == "" {
			return fmt.Errorf("query.indexes[%d].property is required", i)
		}
		if seen[ix.Property] {
			return fmt.Errorf("query.indexes: property %q is indexed twice", ix.Property)
		}
		seen[ix.Property] = true
		for _, p := range ix.Paths {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("query.indexes[%d]: path %q is not absolute", i, p)
			}
		}
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	return nil
}
