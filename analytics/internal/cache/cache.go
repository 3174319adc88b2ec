// Package cache implements C3, the metric cache: per-key window aggregates
// are serialized to Redis with a 5-minute TTL, and read back either by exact
// key or via cursor-based SCAN for full enumeration (the registry never
// issues a blocking KEYS call).
package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/telemetrygw/pkg/telemetry"
)

const scanPageSize = 100

// Cache wraps a Redis client with the metric cache's key scheme and TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a Cache over an existing Redis client.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// Set serializes and stores the aggregate with the configured TTL. The
// compute path calls this synchronously so a dashboard read right after a
// recompute observes the newest aggregate.
func (c *Cache) Set(ctx context.Context, key telemetry.Key, agg telemetry.WindowAggregate) error {
	payload, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, telemetry.CacheKey(key), payload, c.ttl).Err()
}

// Get returns the cached aggregate for key, or ok=false if absent.
func (c *Cache) Get(ctx context.Context, key telemetry.Key) (telemetry.WindowAggregate, bool, error) {
	raw, err := c.client.Get(ctx, telemetry.CacheKey(key)).Bytes()
	if err == redis.Nil {
		return telemetry.WindowAggregate{}, false, nil
	}
	if err != nil {
		return telemetry.WindowAggregate{}, false, err
	}
	var agg telemetry.WindowAggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return telemetry.WindowAggregate{}, false, err
	}
	return agg, true, nil
}

// All enumerates every cached aggregate using cursor-based SCAN in pages of
// scanPageSize, never a blocking KEYS call.
func (c *Cache) All(ctx context.Context) ([]telemetry.WindowAggregate, error) {
	var aggregates []telemetry.WindowAggregate
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "metrics:*", scanPageSize).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			values, err := c.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var agg telemetry.WindowAggregate
				if err := json.Unmarshal([]byte(raw), &agg); err != nil {
					continue
				}
				aggregates = append(aggregates, agg)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return aggregates, nil
}
