package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// RedisCache stores entries under a key prefix in Redis. Expiry is left to
// Redis, so Cleanup has nothing to sweep.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return raw, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// DeleteByPattern scans the prefix and matches the regular expression against
// keys with the prefix removed.
func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("compiling cache pattern: %w", err)
	}
	return c.deleteMatching(ctx, func(k string) bool { return re.MatchString(k) })
}

func (c *RedisCache) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	_, err := c.deleteMatching(ctx, func(string) bool { return true })
	return err
}

func (c *RedisCache) deleteMatching(ctx context.Context, match func(string) bool) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scanning cache keys: %w", err)
		}

		var doomed []string
		for _, k := range keys {
			if match(strings.TrimPrefix(k, c.prefix)) {
				doomed = append(doomed, k)
			}
		}
		if len(doomed) > 0 {
			n, err := c.client.Del(ctx, doomed...).Result()
			if err != nil {
				return deleted, fmt.Errorf("deleting cache keys: %w", err)
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
