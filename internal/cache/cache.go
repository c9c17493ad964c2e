package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StatusTTL bounds how long a mirrored job status survives without a refresh.
const StatusTTL = 7 * 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, uid uuid.UUID, status string, ttl time.Duration) error
	GetJobStatus(ctx context.Context, uid uuid.UUID) (string, bool, error)
	DeleteJobStatus(ctx context.Context, uid uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisClient parses a redis:// URL into a client shared by the cache,
// the submission lock and the task queue.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, uid uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, JobStatusKey(uid), status, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, uid uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(uid)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, uid uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(uid)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
