package delegate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTokenKeyPrefix = "delauth:token:"

// RedisTokenCache is a Redis-backed TokenCache for multi-instance hosts.
// Expiry is delegated to Redis key TTLs.
type RedisTokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenCache constructs a Redis-backed cache with the provided TTL.
func NewRedisTokenCache(client *redis.Client, ttl time.Duration) *RedisTokenCache {
	return &RedisTokenCache{client: client, ttl: ttl}
}

func (cache *RedisTokenCache) key(token string) string {
	return redisTokenKeyPrefix + token
}

// Get returns the cached local user id for the token, if present.
func (cache *RedisTokenCache) Get(ctx context.Context, token string) (int64, bool, error) {
	value, getErr := cache.client.Get(ctx, cache.key(token)).Result()
	if getErr == redis.Nil {
		return 0, false, nil
	}
	if getErr != nil {
		return 0, false, fmt.Errorf("token_cache.redis.get: %w", getErr)
	}
	userID, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, false, fmt.Errorf("token_cache.redis.parse: %w", parseErr)
	}
	return userID, true, nil
}

// Set records the token to local user id mapping with the cache TTL.
func (cache *RedisTokenCache) Set(ctx context.Context, token string, userID int64) error {
	setErr := cache.client.Set(ctx, cache.key(token), strconv.FormatInt(userID, 10), cache.ttl).Err()
	if setErr != nil {
		return fmt.Errorf("token_cache.redis.set: %w", setErr)
	}
	return nil
}
