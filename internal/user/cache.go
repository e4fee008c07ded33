package user

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Cache is the optional snapshot cache. All operations are best-effort: the
// service logs and swallows every cache error, so a cache outage can never
// fail a read or write.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey builds the snapshot key for a user ID.
func CacheKey(id string) string { return "user:" + id }

// RedisCache implements Cache over go-redis.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a redis client (or pipeline-compatible mock).
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// encodeSnapshot and decodeSnapshot keep the cache wire format in one place.
func encodeSnapshot(u *User) ([]byte, error) {
	return json.Marshal(u)
}

func decodeSnapshot(data []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
