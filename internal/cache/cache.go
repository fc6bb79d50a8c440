package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error

	// IncrWindow increments the counter at key and starts its expiry on the
	// first increment only. The whole step is atomic.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Version returns the invalidation generation of key (0 if never invalidated).
	Version(ctx context.Context, key string) (int64, error)
	// SetIfVersion stores value only if key has not been invalidated since
	// version was read. Reports whether the value was stored.
	SetIfVersion(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error)
	// Invalidate drops key and bumps its generation.
	Invalidate(ctx context.Context, key string) error
}

var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)

var setIfVersionScript = redis.NewScript(`
local v = redis.call("GET", KEYS[2])
if not v then
	v = "0"
end
if v == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0`)

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying client for pub/sub.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
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

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWindowScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
}

func (c *RedisCache) Version(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, VersionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (c *RedisCache) SetIfVersion(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	n, err := setIfVersionScript.Run(ctx, c.client,
		[]string{key, VersionKey(key)},
		strconv.FormatInt(version, 10), value, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Incr(ctx, VersionKey(key))
	_, err := pipe.Exec(ctx)
	return err
}
