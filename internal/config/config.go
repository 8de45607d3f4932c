// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/embedder"
	"catalog-similarity-engine/internal/engine"
	"catalog-similarity-engine/internal/index"
	"catalog-similarity-engine/internal/observability"
	"catalog-similarity-engine/internal/snapshot"
	"catalog-similarity-engine/internal/storage"
	"catalog-similarity-engine/internal/types"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Index    IndexConfig         `yaml:"index"`
	Storage  StorageConfig       `yaml:"storage"`
	Snapshot SnapshotConfig      `yaml:"snapshot"`
	Embedder EmbedderConfig      `yaml:"embedder"`
	Catalog  CatalogConfig       `yaml:"catalog"`
	Search   engine.SearchConfig `yaml:"search"`
	Logging  LoggingConfig       `yaml:"logging"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// IndexConfig selects the similarity index and its persistence policy.
type IndexConfig struct {
	Kind           index.Kind       `yaml:"kind"`
	Dimension      int              `yaml:"dimension"`
	CompactRatio   float64          `yaml:"compact_ratio"`
	CompactMinDead int              `yaml:"compact_min_dead"`
	SaveTimeout    time.Duration    `yaml:"save_timeout"`
	HNSW           index.HNSWConfig `yaml:"hnsw"`
}

// Storage backends.
const (
	StorageBolt     = "bolt"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
)

// StorageConfig selects the durable embedding store.
type StorageConfig struct {
	Backend          string                 `yaml:"backend"`
	BoltPath         string                 `yaml:"bolt_path"`
	BadgerDir        string                 `yaml:"badger_dir"`
	BadgerSyncWrites bool                   `yaml:"badger_sync_writes"`
	Postgres         storage.PostgresConfig `yaml:"postgres"`
}

// Snapshot backends.
const (
	SnapshotLocal = "local"
	SnapshotS3    = "s3"
)

// SnapshotConfig says where the index snapshot lives.
type SnapshotConfig struct {
	Backend string            `yaml:"backend"`
	Path    string            `yaml:"path"`
	S3      snapshot.S3Config `yaml:"s3"`
}

// Embedder kinds.
const (
	EmbedderHTTP = "http"
	EmbedderHash = "hash"
)

// EmbedderConfig selects the image feature extractor.
type EmbedderConfig struct {
	Kind                string `yaml:"kind"`
	embedder.HTTPConfig `yaml:",inline"`
}

// Catalog kinds.
const (
	CatalogPostgres = "postgres"
	CatalogMemory   = "memory"
)

// CatalogConfig configures product metadata lookup.
type CatalogConfig struct {
	Kind      string                 `yaml:"kind"`
	MediaRoot string                 `yaml:"media_root"`
	Postgres  storage.PostgresConfig `yaml:"postgres"`
	Cache     CacheConfig            `yaml:"cache"`
}

// CacheConfig enables the redis metadata cache.
type CacheConfig struct {
	Enabled             bool `yaml:"enabled"`
	catalog.RedisConfig `yaml:",inline"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig contains prometheus settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults. It runs with
// no external services: bolt storage, a local snapshot and the hash embedder.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxUploadBytes:  embedder.MaxImageBytes + 1<<20,
		},
		Index: IndexConfig{
			Kind:           index.KindFlat,
			Dimension:      types.DefaultDimension,
			CompactRatio:   0.25,
			CompactMinDead: 64,
			SaveTimeout:    time.Minute,
			HNSW:           index.DefaultHNSWConfig(),
		},
		Storage: StorageConfig{
			Backend:   StorageBolt,
			BoltPath:  "data/embeddings.db",
			BadgerDir: "data/badger",
			Postgres:  storage.DefaultPostgresConfig(),
		},
		Snapshot: SnapshotConfig{
			Backend: SnapshotLocal,
			Path:    "data/index.psix",
			S3:      snapshot.S3Config{Key: "catalog-similarity/index.psix"},
		},
		Embedder: EmbedderConfig{
			Kind: EmbedderHash,
			HTTPConfig: embedder.HTTPConfig{
				Timeout: 30 * time.Second,
			},
		},
		Catalog: CatalogConfig{
			Kind:      CatalogMemory,
			MediaRoot: "media",
			Postgres:  storage.DefaultPostgresConfig(),
			Cache:     CacheConfig{RedisConfig: catalog.DefaultRedisConfig()},
		},
		Search: engine.DefaultSearchConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch c.Index.Kind {
	case index.KindFlat, index.KindHNSW:
	default:
		return fmt.Errorf("unknown index.kind %q", c.Index.Kind)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.CompactRatio < 0 || c.Index.CompactRatio >= 1 {
		return fmt.Errorf("index.compact_ratio must be in [0, 1), got %v", c.Index.CompactRatio)
	}
	if c.Index.CompactMinDead < 0 {
		return fmt.Errorf("index.compact_min_dead cannot be negative")
	}
	if c.Index.SaveTimeout < 0 {
		return fmt.Errorf("index.save_timeout cannot be negative")
	}
	if c.Index.HNSW.M < 0 || c.Index.HNSW.EfConstruction < 0 || c.Index.HNSW.EfSearch < 0 {
		return fmt.Errorf("index.hnsw parameters cannot be negative")
	}

	switch c.Storage.Backend {
	case StorageBolt:
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("storage.bolt_path is required")
		}
	case StorageBadger:
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir is required")
		}
	case StoragePostgres:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Snapshot.Backend {
	case SnapshotLocal:
		if c.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is required")
		}
	case SnapshotS3:
		if c.Snapshot.S3.Bucket == "" || c.Snapshot.S3.Key == "" {
			return fmt.Errorf("snapshot.s3.bucket and snapshot.s3.key are required")
		}
	default:
		return fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend)
	}

	switch c.Embedder.Kind {
	case EmbedderHash:
	case EmbedderHTTP:
		if c.Embedder.Endpoint == "" {
			return fmt.Errorf("embedder.endpoint is required for the http embedder")
		}
		if c.Embedder.Timeout < 0 || c.Embedder.RPS < 0 {
			return fmt.Errorf("embedder.timeout and embedder.rps cannot be negative")
		}
	default:
		return fmt.Errorf("unknown embedder.kind %q", c.Embedder.Kind)
	}

	switch c.Catalog.Kind {
	case CatalogPostgres, CatalogMemory:
	default:
		return fmt.Errorf("unknown catalog.kind %q", c.Catalog.Kind)
	}
	if c.Catalog.Cache.Enabled && c.Catalog.Cache.Addr == "" {
		return fmt.Errorf("catalog.cache.addr is required when the cache is enabled")
	}

	if c.Search.MaxLimit < 1 {
		return fmt.Errorf("search.max_limit must be at least 1")
	}
	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit must be between 1 and search.max_limit")
	}

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
