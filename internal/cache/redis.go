package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/metrics"
)

var setIfGenerationScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[2])
if (cur or "0") ~= ARGV[2] then
	return 0
end
if ARGV[3] == "0" then
	redis.call("SET", KEYS[1], ARGV[1])
else
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
end
return 1
`)

// RedisCache stores JSON values with SET EX. Backend failures on Get and Set
// are logged and reported as a miss or a no-op so queries keep working
// without Redis.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	kind := kindOf(key)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues(kind, "miss").Inc()
		return false, nil
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		metrics.CacheRequests.WithLabelValues(kind, "error").Inc()
		c.logger.Warn("cache entry undecodable, ignoring", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// SetIfGeneration compares the generation and writes in one script, so an
// invalidation cannot slip in between.
func (c *RedisCache) SetIfGeneration(ctx context.Context, key string, value any, ttl time.Duration, city string, gen int64) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal cache value: %w", err)
	}
	stored, err := setIfGenerationScript.Run(ctx, c.client,
		[]string{key, generationKey(city)},
		string(data), strconv.FormatInt(gen, 10), ttl.Milliseconds()).Int()
	if err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return stored == 1, nil
}

func (c *RedisCache) Generation(ctx context.Context, city string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(city)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get generation: %w", err)
	}
	return gen, nil
}

// InvalidateCity bumps the city's generation, then scans for its keys and
// deletes them in batches.
func (c *RedisCache) InvalidateCity(ctx context.Context, city string) (int, error) {
	if err := c.client.Incr(ctx, generationKey(city)).Err(); err != nil {
		return 0, fmt.Errorf("incr generation: %w", err)
	}
	pattern := cityPattern(city)
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("del: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.CacheInvalidations.Add(float64(deleted))
	return deleted, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
