// Package cache wraps the distributed key/value store the core uses for
// block-tracker progress records and cron idempotency gates. Only small
// progress records with a TTL live here, nothing else.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the narrow key/value-with-TTL interface every component
// depends on; nothing above this package knows it is backed by Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type redisCache struct {
	client *redis.Client
}

// New dials a redis client for the given address (host:port).
func New(addr, password string, db int) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.WithContext(ctx).Get(key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "cache: get %q", key)
	}
	return val, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.WithContext(ctx).Set(key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "cache: set %q", key)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.WithContext(ctx).Del(key).Err(); err != nil {
		return errors.Wrapf(err, "cache: delete %q", key)
	}
	return nil
}
