// Package cache provides a Redis-backed cache for per-user retention
// policies, so the daily sweep and the auto-version path don't hit
// Postgres once per document for the same user.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notebase/api/internal/store"
)

// PolicyCache caches UserPreferences rows keyed by user id. A miss is
// not an error; callers fall through to the store.
type PolicyCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPolicyCache connects to Redis and verifies the connection.
func NewPolicyCache(redisURL string, ttl time.Duration) (*PolicyCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &PolicyCache{
		client: client,
		prefix: "policy:",
		ttl:    ttl,
	}, nil
}

// NewPolicyCacheWithClient creates a cache from an existing Redis client
func NewPolicyCacheWithClient(client *redis.Client, ttl time.Duration) *PolicyCache {
	return &PolicyCache{client: client, prefix: "policy:", ttl: ttl}
}

func (c *PolicyCache) key(userID string) string {
	return c.prefix + userID
}

// Get returns the cached policy for a user; ok is false on a miss.
func (c *PolicyCache) Get(ctx context.Context, userID string) (store.UserPreferences, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID)).Result()
	if err == redis.Nil {
		return store.UserPreferences{}, false, nil
	}
	if err != nil {
		return store.UserPreferences{}, false, fmt.Errorf("get cached policy: %w", err)
	}

	var prefs store.UserPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return store.UserPreferences{}, false, fmt.Errorf("unmarshal cached policy: %w", err)
	}
	return prefs, true, nil
}

// Set stores a policy with the configured TTL.
func (c *PolicyCache) Set(ctx context.Context, prefs store.UserPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	if err := c.client.Set(ctx, c.key(prefs.UserID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached policy: %w", err)
	}
	return nil
}

// Invalidate drops a user's cached policy; called after a preferences
// update so the next policy read sees the new values.
func (c *PolicyCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached policy: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *PolicyCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *PolicyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
