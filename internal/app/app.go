// Package app assembles the engine's components from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"catalog-similarity-engine/internal/catalog"
	"catalog-similarity-engine/internal/config"
	"catalog-similarity-engine/internal/embedder"
	"catalog-similarity-engine/internal/engine"
	"catalog-similarity-engine/internal/index"
	"catalog-similarity-engine/internal/manager"
	"catalog-similarity-engine/internal/observability"
	"catalog-similarity-engine/internal/snapshot"
	"catalog-similarity-engine/internal/storage"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    *config.Manager
	Logger    *slog.Logger
	LogLevel  *slog.LevelVar
	Store     storage.EmbeddingStore
	Snapshots snapshot.Store
	Manager   *manager.Manager
	Embedder  embedder.Embedder
	Lookup    catalog.MetadataLookup
	Images    catalog.ImageSource
	Search    *engine.Coordinator
	Indexer   *engine.Indexer

	closers []func() error
}

// NewLogger builds the process logger from cfg. The returned LevelVar can be
// changed at runtime.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	if l, err := observability.ParseLevel(cfg.Level); err == nil {
		level.Set(l)
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		AddSource:  cfg.AddSource,
		JSONFormat: cfg.Format != "text",
	}), level
}

// New opens every component named by the current configuration. On error
// anything already opened is closed.
func New(ctx context.Context, cfgs *config.Manager) (_ *App, err error) {
	cfg := cfgs.Get()
	logger, level := NewLogger(cfg.Logging)
	a := &App{Config: cfgs, Logger: logger, LogLevel: level}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	cfgs.OnChange(func(c *config.Config) {
		if l, err := observability.ParseLevel(c.Logging.Level); err == nil {
			level.Set(l)
		}
	})

	if a.Store, err = a.openStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open embedding store: %w", err)
	}
	if a.Snapshots, err = openSnapshots(ctx, cfg.Snapshot); err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	idx, err := index.New(index.Config{
		Kind:      cfg.Index.Kind,
		Dimension: cfg.Index.Dimension,
		HNSW:      cfg.Index.HNSW,
	})
	if err != nil {
		return nil, err
	}
	a.Manager = manager.New(idx, a.Snapshots, manager.Options{
		Logger:         logger,
		CompactRatio:   cfg.Index.CompactRatio,
		CompactMinDead: cfg.Index.CompactMinDead,
		SaveTimeout:    cfg.Index.SaveTimeout,
	})

	if a.Embedder, err = openEmbedder(cfg); err != nil {
		return nil, fmt.Errorf("open embedder: %w", err)
	}
	if err := a.openCatalog(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	limits := func() engine.SearchConfig { return cfgs.Get().Search }
	a.Search = engine.NewCoordinator(a.Embedder, a.Manager, a.Lookup, limits, logger)
	a.Indexer = engine.NewIndexer(a.Embedder, a.Store, a.Manager, logger)
	if cache, ok := a.Lookup.(*catalog.CachedLookup); ok {
		a.Indexer.SetMetadataCache(cache)
	}

	logger.Info("components ready",
		"index", cfg.Index.Kind,
		"dimension", cfg.Index.Dimension,
		"storage", cfg.Storage.Backend,
		"snapshot", a.Snapshots.Location(),
		"embedder", cfg.Embedder.Kind,
		"catalog", cfg.Catalog.Kind,
		"cache", cfg.Catalog.Cache.Enabled,
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (storage.EmbeddingStore, error) {
	dim := cfg.Index.Dimension
	switch cfg.Storage.Backend {
	case config.StorageBadger:
		s, err := storage.NewBadgerStore(storage.BadgerOptions{
			Dir:        cfg.Storage.BadgerDir,
			SyncWrites: cfg.Storage.BadgerSyncWrites,
			Logger:     a.Logger,
		}, dim)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case config.StoragePostgres:
		db, err := a.openPostgres(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		s, err := storage.NewPostgresStore(db, dim)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.BoltPath), 0o755); err != nil {
			return nil, err
		}
		s, err := storage.NewBoltStore(cfg.Storage.BoltPath, dim)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

func (a *App) openPostgres(ctx context.Context, cfg storage.PostgresConfig) (*sql.DB, error) {
	db, err := storage.OpenPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func openSnapshots(ctx context.Context, cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case config.SnapshotS3:
		client, err := snapshot.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return snapshot.NewS3(client, cfg.S3.Bucket, cfg.S3.Key), nil
	default:
		return snapshot.NewLocal(cfg.Path)
	}
}

func openEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.Embedder.Kind {
	case config.EmbedderHTTP:
		httpCfg := cfg.Embedder.HTTPConfig
		httpCfg.Dimension = cfg.Index.Dimension
		return embedder.NewHTTPEmbedder(httpCfg)
	default:
		return embedder.NewHashEmbedder(cfg.Index.Dimension), nil
	}
}

func (a *App) openCatalog(ctx context.Context, cfg *config.Config) error {
	switch cfg.Catalog.Kind {
	case config.CatalogPostgres:
		db, err := a.openPostgres(ctx, cfg.Catalog.Postgres)
		if err != nil {
			return err
		}
		pc := catalog.NewPostgresCatalog(db, cfg.Catalog.MediaRoot)
		a.Lookup, a.Images = pc, pc
	default:
		m := catalog.NewMemory()
		a.Lookup, a.Images = m, m
	}

	if !cfg.Catalog.Cache.Enabled {
		return nil
	}
	client := catalog.NewRedisClient(cfg.Catalog.Cache.RedisConfig)
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn("metadata cache unreachable, lookups will fall through", "addr", cfg.Catalog.Cache.Addr, "error", err)
	}
	a.Lookup = catalog.NewCachedLookup(a.Lookup, client, cfg.Catalog.Cache.RedisConfig, a.Logger)
	return nil
}

// Close flushes a dirty index and releases every component in reverse order
// of opening.
func (a *App) Close() error {
	var errList []error
	if a.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.Manager.Flush(ctx); err != nil {
			errList = append(errList, fmt.Errorf("flush index: %w", err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
