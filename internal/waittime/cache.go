package waittime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache holds per-doctor stats. Entries are replaced whole, never mutated.
type Cache interface {
	Get(ctx context.Context, doctorID uuid.UUID) (Stats, bool, error)
	Set(ctx context.Context, doctorID uuid.UUID, stats Stats, ttl time.Duration) error
	Delete(ctx context.Context, doctorID uuid.UUID) error
}

type memoryEntry struct {
	stats   Stats
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	entries sync.Map // uuid.UUID -> *memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, doctorID uuid.UUID) (Stats, bool, error) {
	v, ok := c.entries.Load(doctorID)
	if !ok {
		return Stats{}, false, nil
	}
	entry := v.(*memoryEntry)
	if c.now().After(entry.expires) {
		c.entries.CompareAndDelete(doctorID, entry)
		return Stats{}, false, nil
	}
	return entry.stats, true, nil
}

func (c *MemoryCache) Set(_ context.Context, doctorID uuid.UUID, stats Stats, ttl time.Duration) error {
	c.entries.Store(doctorID, &memoryEntry{stats: stats, expires: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, doctorID uuid.UUID) error {
	c.entries.Delete(doctorID)
	return nil
}

// RedisCache shares stats across API replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "waittime:avg:"}
}

func (c *RedisCache) key(doctorID uuid.UUID) string {
	return c.prefix + doctorID.String()
}

func (c *RedisCache) Get(ctx context.Context, doctorID uuid.UUID) (Stats, bool, error) {
	raw, err := c.client.Get(ctx, c.key(doctorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Stats{}, false, nil
	}
	if err != nil {
		return Stats{}, false, fmt.Errorf("waittime: redis get: %w", err)
	}
	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return Stats{}, false, fmt.Errorf("waittime: decode cached stats: %w", err)
	}
	return stats, true, nil
}

func (c *RedisCache) Set(ctx context.Context, doctorID uuid.UUID, stats Stats, ttl time.Duration) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("waittime: encode stats: %w", err)
	}
	if err := c.client.Set(ctx, c.key(doctorID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("waittime: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, doctorID uuid.UUID) error {
	if err := c.client.Del(ctx, c.key(doctorID)).Err(); err != nil {
		return fmt.Errorf("waittime: redis del: %w", err)
	}
	return nil
}
