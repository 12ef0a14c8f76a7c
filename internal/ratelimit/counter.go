// Package ratelimit provides bucketed alert counters and the hourly/daily
// limiter built on them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is an ephemeral keyed counter. Keys embed their time bucket, so a
// counter only needs to expire keys, never reset them.
type Counter interface {
	// Incr adds one to key and returns the new value. ttl bounds how long the
	// key survives.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value of key, or 0 if it does not exist.
	Get(ctx context.Context, key string) (int64, error)
	// Sweep drops expired keys and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type memEntry struct {
	n       int64
	expires time.Time
}

// MemoryCounter is an in-process Counter with an injectable clock.
type MemoryCounter struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

// NewMemoryCounter creates an empty in-memory counter. now may be nil.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{m: make(map[string]memEntry), now: now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.m[key]
	if !ok || !now.Before(e.expires) {
		e = memEntry{expires: now.Add(ttl)}
	}
	e.n++
	c.m[key] = e
	return e.n, nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok || !c.now().Before(e.expires) {
		return 0, nil
	}
	return e.n, nil
}

func (c *MemoryCounter) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.m {
		if !now.Before(e.expires) {
			delete(c.m, k)
			removed++
		}
	}
	return removed, nil
}

// RedisCounter keeps counters in Redis so several sitesentry processes share
// one set of limits.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// ConnectRedis dials Redis and verifies the connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return client, nil
}

// NewRedisCounter wraps a connected client. Keys are namespaced with prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "sitesentry:ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, c.prefix+key)
	pipe.Expire(ctx, c.prefix+key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	return incr.Val(), nil
}

func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, c.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	return n, nil
}

// Sweep is a no-op: Redis expires keys itself.
func (c *RedisCounter) Sweep(context.Context) (int, error) {
	return 0, nil
}
