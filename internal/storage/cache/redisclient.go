package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// ErrCacheMiss is returned when no token list is cached for the user.
var ErrCacheMiss = errors.New("token cache miss")

const defaultKeyPrefix = "push:tokens:"

// RedisOptions configures the token cache connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the per-user keys. Defaults to "push:tokens:".
	KeyPrefix   string
	PingTimeout time.Duration
}

// RedisTokenCache keeps one JSON-encoded token list per user.
type RedisTokenCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisTokenCache connects and pings; a cache that is configured but unreachable is a startup error.
func NewRedisTokenCache(ctx context.Context, opts RedisOptions) (*RedisTokenCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return newRedisTokenCache(rdb, opts.KeyPrefix), nil
}

func newRedisTokenCache(rdb *redis.Client, prefix string) *RedisTokenCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTokenCache{rdb: rdb, prefix: prefix}
}

func (c *RedisTokenCache) key(userID string) string {
	return c.prefix + dispatch.NormalizeUserID(userID)
}

func (c *RedisTokenCache) Tokens(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	tokens := []dispatch.DeviceTokenRecord{}
	if err := json.Unmarshal(raw, &tokens); err != nil {
		// A corrupt entry reads as a miss; the next fill overwrites it.
		return nil, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}
	return tokens, nil
}

func (c *RedisTokenCache) StoreTokens(ctx context.Context, userID string, tokens []dispatch.DeviceTokenRecord, ttl time.Duration) error {
	if tokens == nil {
		tokens = []dispatch.DeviceTokenRecord{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(userID), raw, ttl).Err()
}

// Evict drops every user's entry with a single UNLINK.
func (c *RedisTokenCache) Evict(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, u := range userIDs {
		keys = append(keys, c.key(u))
	}
	return c.rdb.Unlink(ctx, keys...).Err()
}

func (c *RedisTokenCache) Close() error {
	return c.rdb.Close()
}
