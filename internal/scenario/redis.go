package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "coursepipe:scenario:"

// RedisCache is a RawCache backed by Redis.
type RedisCache struct {
	rdb *goredis.Client
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db) and verifies it.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(rdb *goredis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func redisKey(courseID uuid.UUID) string {
	return redisKeyPrefix + courseID.String()
}

// Get returns the cached document, reporting false on a miss.
func (c *RedisCache) Get(ctx context.Context, courseID uuid.UUID) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, redisKey(courseID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set stores raw under courseID for ttl.
func (c *RedisCache) Set(ctx context.Context, courseID uuid.UUID, raw []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, redisKey(courseID), raw, ttl).Err()
}

// Delete removes the cached document for courseID.
func (c *RedisCache) Delete(ctx context.Context, courseID uuid.UUID) error {
	return c.rdb.Del(ctx, redisKey(courseID)).Err()
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
