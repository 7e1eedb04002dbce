package rules

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/dqrules/internal/logger"
)

const (
	// RedisKeyPrefix namespaces active-rule snapshots; the tenant id follows it.
	RedisKeyPrefix = "dqrules:active_rules:"

	defaultRedisTimeout = 500 * time.Millisecond
)

// RedisRulesCache keeps the active-rule snapshot in Redis so every server
// instance sees the same snapshot and a mutation on one invalidates it for all.
// Redis failures are logged and read as misses; the store stays authoritative.
type RedisRulesCache struct {
	client  redis.UniversalClient
	key     string
	config  CacheConfig
	timeout time.Duration
	now     func() time.Time
}

// NewRedisRulesCache creates a cache for one tenant's snapshot. The TTL in
// config becomes the key expiry; 0 keeps the key until the next mutation.
func NewRedisRulesCache(client redis.UniversalClient, tenantID string, config CacheConfig) *RedisRulesCache {
	return &RedisRulesCache{
		client:  client,
		key:     RedisKeyPrefix + tenantID,
		config:  config,
		timeout: defaultRedisTimeout,
		now:     time.Now,
	}
}

type redisSnapshot struct {
	Rules    []*Rule   `json:"rules"`
	CachedAt time.Time `json:"cached_at"`
}

// Get returns the shared snapshot, or nil on a miss, expiry or Redis error
func (c *RedisRulesCache) Get() *Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		logger.Warn("redis rules cache read failed", "key", c.key, "error", err)
		return nil
	}

	var snap redisSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Warn("redis rules cache holds an unreadable snapshot", "key", c.key, "error", err)
		return nil
	}
	return newSnapshot(snap.Rules, snap.CachedAt)
}

// Set writes a snapshot of rules with the configured expiry
func (c *RedisRulesCache) Set(rules []*Rule) {
	raw, err := json.Marshal(redisSnapshot{Rules: rules, CachedAt: c.now().UTC()})
	if err != nil {
		logger.Warn("failed to encode rules snapshot", "key", c.key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key, raw, c.config.TTL).Err(); err != nil {
		logger.Warn("redis rules cache write failed", "key", c.key, "error", err)
	}
}

// Invalidate deletes the shared snapshot
func (c *RedisRulesCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		logger.Warn("redis rules cache invalidation failed", "key", c.key, "error", err)
	}
}

// IsValid reports whether a snapshot key exists
func (c *RedisRulesCache) IsValid() bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.key).Result()
	return err == nil && n > 0
}
