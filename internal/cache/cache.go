// Package cache provides an optional Redis front for the recent-alerts
// query, the one read path hit on every conversation open. A nil *Cache is
// valid and behaves as a permanent miss, so deployments without Redis need
// no special-casing.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/callguard/callguard/pkg/fraud"
)

// defaultTTL keeps cached alert lists fresh enough that a newly fired alert
// appears within a minute even without invalidation.
const defaultTTL = time.Minute

// Cache wraps a Redis client. All methods are nil-receiver safe.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to the Redis instance at redisURL. A non-positive ttl selects
// the default.
func New(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// GetRecentAlerts returns the cached alert list for (userID, hours), with a
// hit flag. Decode failures count as misses.
func (c *Cache) GetRecentAlerts(ctx context.Context, userID string, hours int) ([]fraud.AnalysisRecord, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	data, err := c.client.Get(ctx, recentAlertsKey(userID, hours)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var recs []fraud.AnalysisRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, false, nil
	}
	return recs, true, nil
}

// SetRecentAlerts caches the alert list for (userID, hours) with the
// configured TTL.
func (c *Cache) SetRecentAlerts(ctx context.Context, userID string, hours int, recs []fraud.AnalysisRecord) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, recentAlertsKey(userID, hours), data, c.ttl).Err()
}

// InvalidateUser drops all cached alert windows for userID. Called when a
// new alert fires so the next read sees it immediately.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	if c == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, recentAlertsPattern(userID), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
