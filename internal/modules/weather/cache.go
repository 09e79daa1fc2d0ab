// README: Weather multiplier caches (Redis shared, in-process fallback).
package weather

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

// Cache stores multipliers by cache key until the TTL elapses.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, v float64, ttl time.Duration) error
}

// keyFor rounds to 2 decimals (~1.1 km) so nearby pickups share an entry.
func keyFor(p types.Point) string {
	return fmt.Sprintf("rideflow:weather:%.2f:%.2f", p.Lat, p.Lng)
}

// defaultMemoryEntries bounds the in-process cache; at ~1 km cells this covers a
// large metro with room to spare.
const defaultMemoryEntries = 4096

// MemoryCache is bounded: a full Set first drops expired entries and then, if
// needed, the entry closest to expiry.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	limit int
	now   func() time.Time
}

type cacheEntry struct {
	v       float64
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), limit: defaultMemoryEntries, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (float64, bool, error) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return 0, false, nil
	}
	return e.v, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, v float64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.store[key]; !exists && len(c.store) >= c.limit {
		c.evict(now)
	}
	c.store[key] = cacheEntry{v: v, expires: now.Add(ttl)}
	return nil
}

// evict runs under the write lock.
func (c *MemoryCache) evict(now time.Time) {
	for k, e := range c.store {
		if !now.Before(e.expires) {
			delete(c.store, k)
		}
	}
	if len(c.store) < c.limit {
		return
	}
	var oldest string
	var oldestAt time.Time
	for k, e := range c.store {
		if oldest == "" || e.expires.Before(oldestAt) {
			oldest, oldestAt = k, e.expires
		}
	}
	delete(c.store, oldest)
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// RedisCache shares entries across API instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	v, err := c.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("weather cache get: %w", err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, v float64, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("weather cache set: %w", err)
	}
	return nil
}
