package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"

	"datapilot/internal/domain"
	"datapilot/internal/metrics"
)

// Cache stores schema contexts by key. Implementations treat failures as
// misses.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) (domain.SchemaContext, bool)
	Set(ctx context.Context, key string, s domain.SchemaContext)
	Delete(ctx context.Context, key string)
}

// === In-memory ===

type memoryEntry struct {
	schema  domain.SchemaContext
	expires time.Time
}

// MemoryCache is a bounded LRU with a per-entry TTL.
type MemoryCache struct {
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most size entries.
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create schema lru: %w", err)
	}
	return &MemoryCache{lru: c, ttl: ttl, now: time.Now}, nil
}

func (c *MemoryCache) Name() string { return "memory" }

func (c *MemoryCache) Get(_ context.Context, key string) (domain.SchemaContext, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return domain.SchemaContext{}, false
	}
	e := v.(memoryEntry)
	if c.now().After(e.expires) {
		c.lru.Remove(key)
		return domain.SchemaContext{}, false
	}
	return e.schema, true
}

func (c *MemoryCache) Set(_ context.Context, key string, s domain.SchemaContext) {
	c.lru.Add(key, memoryEntry{schema: s, expires: c.now().Add(c.ttl)})
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.lru.Remove(key)
}

// === Redis ===

const redisKeyPrefix = "datapilot:schema:v1:"

// RedisCache shares schema contexts between replicas.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects to redisURL and pings it.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL must be provided")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     []string{opts.Addr},
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) Get(ctx context.Context, key string) (domain.SchemaContext, bool) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("schema cache read failed", "error", err)
		}
		return domain.SchemaContext{}, false
	}
	var s domain.SchemaContext
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("schema cache entry is corrupt", "key", key, "error", err)
		return domain.SchemaContext{}, false
	}
	return s, true
}

func (c *RedisCache) Set(ctx context.Context, key string, s domain.SchemaContext) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("schema cache write failed", "error", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.logger.Warn("schema cache delete failed", "error", err)
	}
}

// Close releases the redis client.
func (c *RedisCache) Close() error { return c.client.Close() }

// === Provider ===

// CachedProvider fronts a SchemaProvider with a Cache.
type CachedProvider struct {
	source domain.SchemaProvider
	cache  Cache
}

var (
	_ domain.SchemaProvider    = (*CachedProvider)(nil)
	_ domain.SchemaInvalidator = (*CachedProvider)(nil)
)

// NewCachedProvider creates a CachedProvider.
func NewCachedProvider(source domain.SchemaProvider, cache Cache) *CachedProvider {
	return &CachedProvider{source: source, cache: cache}
}

func cacheKey(tenantID, connectionID string) string {
	return strings.Join([]string{tenantID, connectionID}, "/")
}

// Describe returns the cached context or loads and caches it. Empty
// contexts are not cached so a freshly created table shows up immediately.
func (p *CachedProvider) Describe(ctx context.Context, tenantID, connectionID string) (domain.SchemaContext, error) {
	key := cacheKey(tenantID, connectionID)
	if s, ok := p.cache.Get(ctx, key); ok {
		metrics.RecordSchemaCache(p.cache.Name(), true)
		return s, nil
	}
	metrics.RecordSchemaCache(p.cache.Name(), false)

	s, err := p.source.Describe(ctx, tenantID, connectionID)
	if err != nil {
		return domain.SchemaContext{}, err
	}
	if !s.Empty() {
		p.cache.Set(ctx, key, s)
	}
	return s, nil
}

// Invalidate drops the cached context for a connection.
func (p *CachedProvider) Invalidate(ctx context.Context, tenantID, connectionID string) {
	p.cache.Delete(ctx, cacheKey(tenantID, connectionID))
}
