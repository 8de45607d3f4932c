package catalog

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"catalog-similarity-engine/internal/metrics"
	"catalog-similarity-engine/internal/types"
)

// RedisConfig configures the metadata cache.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"` // -1 disables retries
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "catalog_similarity",
		TTL:          10 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	}
}

// NewRedisClient creates a single-node client from cfg.
func NewRedisClient(cfg RedisConfig) goredis.UniversalClient {
	return goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
	})
}

// CachedLookup is a read-through Redis cache in front of another lookup.
// Redis errors are logged and the lookup falls through to next, so a cache
// outage only costs latency.
type CachedLookup struct {
	next      MetadataLookup
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
	log       *slog.Logger
}

func NewCachedLookup(next MetadataLookup, client goredis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *CachedLookup {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{
		next:      next,
		client:    client,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		log:       logger.With("component", "metadata_cache"),
	}
}

func (c *CachedLookup) key(id int64) string {
	return c.namespace + ":product:" + strconv.FormatInt(id, 10)
}

func (c *CachedLookup) LookupMetadata(ctx context.Context, ids []int64) (map[int64]types.ProductSummary, error) {
	out := make(map[int64]types.ProductSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}

	missing := ids
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("metadata cache read failed", "error", err)
	} else {
		missing = missing[:0:0]
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				missing = append(missing, ids[i])
				continue
			}
			var p types.ProductSummary
			if err := json.Unmarshal([]byte(s), &p); err != nil {
				missing = append(missing, ids[i])
				continue
			}
			out[ids[i]] = p
		}
	}
	metrics.RecordCacheLookup(true, len(out))
	metrics.RecordCacheLookup(false, len(missing))

	if len(missing) == 0 {
		return out, nil
	}
	fetched, err := c.next.LookupMetadata(ctx, missing)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for id, p := range fetched {
		out[id] = p
		data, err := json.Marshal(p)
		if err != nil {
			continue
		}
		pipe.Set(ctx, c.key(id), data, c.ttl)
	}
	if len(fetched) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.Warn("metadata cache write failed", "error", err)
		}
	}
	return out, nil
}

// Invalidate drops cached metadata, e.g. after a product update or delete.
func (c *CachedLookup) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

var _ MetadataLookup = (*CachedLookup)(nil)
