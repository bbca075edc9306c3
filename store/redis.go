package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements SessionCache using Redis.
// Entries are JSON values under prefix+tokenHash and expire with Redis TTLs.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a session cache from a Redis client and a key prefix.
// prefix typically ends with a colon.
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "session:"
	}
	return &RedisCache{
		client: client,
		prefix: keyPrefix,
	}
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int

	// KeyPrefix is prepended to session cache keys (default: "session:").
	KeyPrefix string
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}
	return client, nil
}

// NewRedisFromConfig connects to Redis and returns a session cache.
func NewRedisFromConfig(cfg RedisConfig) (*RedisCache, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(client, cfg.KeyPrefix), nil
}

// Client returns the underlying Redis client.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Set stores entry under tokenHash for ttl. A non-positive ttl is a no-op.
func (c *RedisCache) Set(ctx context.Context, tokenHash string, entry CachedSession, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: failed to encode session: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+tokenHash, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set key: %w", err)
	}
	return nil
}

// Get returns the entry for tokenHash or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, tokenHash string) (*CachedSession, error) {
	raw, err := c.client.Get(ctx, c.prefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get key: %w", err)
	}

	var entry CachedSession
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis: failed to decode session: %w", err)
	}
	return &entry, nil
}

// Delete evicts the given token hashes.
func (c *RedisCache) Delete(ctx context.Context, tokenHashes ...string) error {
	if len(tokenHashes) == 0 {
		return nil
	}
	keys := make([]string, len(tokenHashes))
	for i, h := range tokenHashes {
		keys[i] = c.prefix + h
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete keys: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// RedisCounter implements Counter with INCR and a TTL set on the first hit.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter on an existing client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Increment atomically adds one to key and returns the count and the time
// left in the window.
func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: failed to increment %s: %w", key, err)
	}
	if count == 1 {
		if err := c.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis: failed to set window on %s: %w", key, err)
		}
		return count, window, nil
	}

	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: failed to read window on %s: %w", key, err)
	}
	if ttl < 0 {
		// A previous first hit lost its EXPIRE; start the window now.
		if err := c.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis: failed to set window on %s: %w", key, err)
		}
		ttl = window
	}
	return count, ttl, nil
}

// RedisChallengeStore implements ChallengeStore with SET EX and GETDEL.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a challenge store on an existing client.
func NewRedisChallengeStore(client *redis.Client, keyPrefix string) *RedisChallengeStore {
	if keyPrefix == "" {
		keyPrefix = "otp:"
	}
	return &RedisChallengeStore{client: client, prefix: keyPrefix}
}

// PutChallenge stores value under key for ttl.
func (s *RedisChallengeStore) PutChallenge(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set challenge: %w", err)
	}
	return nil
}

// TakeChallenge returns and deletes the value for key.
func (s *RedisChallengeStore) TakeChallenge(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetDel(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: failed to take challenge: %w", err)
	}
	return value, nil
}
