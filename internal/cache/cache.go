// Package cache adapts the teacher's internal/storage Redis wrapper
// (Get/Set/Delete/Exists over go-redis/v8) into a generic cache used to
// take load off the readiness queries described in spec.md §4.2. The
// shape is unchanged; only the name and the call sites are new.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Cache is the narrow key/value contract readiness.Cached depends on.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Redis implements Cache over go-redis/v8.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedis(addr, password string, db int, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return &Redis{client: client, logger: logger.With(zap.String("component", "cache"))}, nil
}

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	c.logger.Debug("value cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

func (c *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *Redis) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("cache: close: %w", err)
	}
	return nil
}
