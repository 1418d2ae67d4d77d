package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching and coordination interface. All cache operations go
// through here. Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error

	// SetRecordStatus mirrors a tagging record's status so pollers above
	// the core can read it without hitting postgres.
	SetRecordStatus(ctx context.Context, assetID uuid.UUID, status string, ttl time.Duration) error
	GetRecordStatus(ctx context.Context, assetID uuid.UUID) (string, bool, error)

	// IncrWithExpiry increments a counter and refreshes its expiry; used
	// for fixed-window rate limiting.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// IncrByWithExpiry is IncrWithExpiry with an arbitrary delta; used for
	// request-count and token-budget windows.
	IncrByWithExpiry(ctx context.Context, key string, n int64, expiry time.Duration) (int64, error)

	// AcquireLock takes a key-scoped lock with a TTL. Returns false if the
	// lock is already held. The TTL bounds how long a crashed holder can
	// block other pollers.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

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

// Close releases the underlying client connections.
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
	if err == redis.Nil {
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

func (c *RedisCache) SetRecordStatus(ctx context.Context, assetID uuid.UUID, status string, ttl time.Duration) error {
	return c.client.Set(ctx, RecordStatusKey(assetID), status, ttl).Err()
}

func (c *RedisCache) GetRecordStatus(ctx context.Context, assetID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, RecordStatusKey(assetID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	return c.IncrByWithExpiry(ctx, key, 1, expiry)
}

func (c *RedisCache) IncrByWithExpiry(ctx context.Context, key string, n int64, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func (c *RedisCache) ReleaseLock(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
