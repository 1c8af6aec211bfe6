// Package cache memoizes expensive read models (the fleet stats snapshot) in
// Redis so that dashboards polling /stats do not hit the store on every call.
//
// Entries are dropped early when the engine publishes an event that changes
// what they summarize; see Watch.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/geotrack/tracker/internal/events"
)

const namespace = "geotrack:cache:"

// StatsKey holds the last fleet stats snapshot.
const StatsKey = "stats"

// staleOn lists the events after which the stats snapshot no longer holds.
var staleOn = []events.Type{
	events.DeviceRegistered,
	events.DeviceStatusChange,
	events.AlertCreated,
	events.AlertAcknowledged,
	events.AlertResolved,
}

// Cache is a JSON snapshot store over Redis.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New dials redisURL and checks it answers PING.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing client. The relay shares the cache's client.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger.With("component", "cache")}
}

// Client returns the underlying redis client.
func (c *Cache) Client() *redis.Client { return c.rdb }

// Close releases the connection pool.
func (c *Cache) Close() error { return c.rdb.Close() }

// Invalidate drops the snapshot under key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, namespace+key).Err()
}

// load reports hit=false on a miss.
func (c *Cache) load(ctx context.Context, key string, into any) (bool, error) {
	raw, err := c.rdb.Get(ctx, namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, into)
}

func (c *Cache) store(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, namespace+key, raw, ttl).Err()
}

// Remember returns the snapshot under key, or builds it with load and keeps
// it for ttl. A nil cache or non-positive ttl always calls load. Redis
// failures are logged and never fail the call.
func Remember[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if c == nil || ttl <= 0 {
		return load(ctx)
	}

	var snap T
	hit, err := c.load(ctx, key, &snap)
	switch {
	case err != nil:
		c.logger.Warn("snapshot read failed", "key", key, "error", err)
	case hit:
		return snap, nil
	}

	snap, err = load(ctx)
	if err != nil {
		return snap, err
	}
	if err := c.store(ctx, key, snap, ttl); err != nil {
		c.logger.Warn("snapshot write failed", "key", key, "error", err)
	}
	return snap, nil
}

// Watch drops the stats snapshot whenever the engine reports a change that
// would alter it. It returns when ctx is cancelled or the bus closes.
func (c *Cache) Watch(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe("stats-invalidator", 0, staleOn...)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.Invalidate(ctx, StatsKey); err != nil {
				c.logger.Debug("stats invalidation failed", "event", ev.Type, "error", err)
			}
		}
	}
}
