// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/adiadia/op-distributor/internal/domain"
)

// Cache stores resolved recipients. Failures are treated as misses.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Recipient, bool)
	Set(ctx context.Context, key string, rec domain.Recipient, ttl time.Duration)
}

const maxMemoryEntries = 10000

type memoryEntry struct {
	rec       domain.Recipient
	expiresAt time.Time
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.Recipient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return domain.Recipient{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return domain.Recipient{}, false
	}
	return entry.rec, true
}

func (c *MemoryCache) Set(_ context.Context, key string, rec domain.Recipient, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= maxMemoryEntries {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= maxMemoryEntries {
			c.entries = make(map[string]memoryEntry)
		}
	}
	c.entries[key] = memoryEntry{rec: rec, expiresAt: now.Add(ttl)}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares resolutions between API replicas.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (domain.Recipient, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("recipient cache get failed", "key", key, "error", err)
		}
		return domain.Recipient{}, false
	}

	var rec domain.Recipient
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("recipient cache entry corrupt", "key", key, "error", err)
		return domain.Recipient{}, false
	}
	return rec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, rec domain.Recipient, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("recipient cache set failed", "key", key, "error", err)
	}
}
