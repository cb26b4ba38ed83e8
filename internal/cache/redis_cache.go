package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueryCache shares query results between CLI sessions and terminals.
type RedisQueryCache struct {
	client *redis.Client
}

// NewRedisQueryCache connects using a redis:// URL.
func NewRedisQueryCache(rawURL string) (*RedisQueryCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisQueryCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisQueryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisQueryCache) Close() error {
	return c.client.Close()
}

func (c *RedisQueryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisQueryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisQueryCache) Invalidate(ctx context.Context, entity string, scope map[string]string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, entityPrefix(entity)+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("scan %s keys: %w", entity, err)
		}
		doomed := make([]string, 0, len(keys))
		for _, key := range keys {
			if matchesScope(key, entity, scope) {
				doomed = append(doomed, key)
			}
		}
		if len(doomed) > 0 {
			if err := c.client.Del(ctx, doomed...).Err(); err != nil {
				return fmt.Errorf("delete %s keys: %w", entity, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
