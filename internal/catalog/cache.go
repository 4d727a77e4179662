package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis"

	"github.com/roach88/animeboard/internal/model"
)

// DefaultCacheTTL bounds how stale a cached top page may get.
const DefaultCacheTTL = 10 * time.Minute

// KV is the subset of redis commands the cache uses; *redis.Client
// satisfies it.
type KV interface {
	Get(key string) *redis.StringCmd
	Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache wraps a Fetcher and caches top pages in redis. Any cache
// failure falls through to the origin; only origin errors are returned.
type RedisCache struct {
	origin Fetcher
	kv     KV
	ttl    time.Duration
}

// NewRedisCache wraps origin. ttl <= 0 uses DefaultCacheTTL.
func NewRedisCache(origin Fetcher, kv KV, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{origin: origin, kv: kv, ttl: ttl}
}

// Dial connects to redis at addr and verifies the connection.
func Dial(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping().Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// PageKey is the redis key for a cached top page.
func PageKey(page int) string {
	return fmt.Sprintf("catalog:top:%d", page)
}

// TopPage serves from cache, filling it on a miss.
func (c *RedisCache) TopPage(ctx context.Context, page int) (model.CatalogPage, error) {
	key := PageKey(page)

	raw, err := c.kv.Get(key).Bytes()
	switch {
	case err == nil:
		var p model.CatalogPage
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		slog.Warn("discarding corrupt cache entry", "key", key)
	case err != redis.Nil:
		slog.Warn("catalog cache read failed", "key", key, "error", err)
	}

	p, err := c.origin.TopPage(ctx, page)
	if err != nil {
		return model.CatalogPage{}, err
	}

	data, err := json.Marshal(p)
	if err == nil {
		err = c.kv.Set(key, data, c.ttl).Err()
	}
	if err != nil {
		slog.Warn("catalog cache write failed", "key", key, "error", err)
	}
	return p, nil
}

// Detail is not cached.
func (c *RedisCache) Detail(ctx context.Context, id int) (model.AnimeDetail, error) {
	return c.origin.Detail(ctx, id)
}

// CurrentSeason is not cached.
func (c *RedisCache) CurrentSeason(ctx context.Context) (model.CatalogPage, error) {
	return c.origin.CurrentSeason(ctx)
}
