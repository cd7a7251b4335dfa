package analysis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache は推論結果キャッシュのインターフェース。
// キャッシュミスの場合、Getはredis.Nilを返す。
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache はgo-redisによるCacheの実装。
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set は値を書き込む。
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get は値を取得する。
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// compile-time interface check
var _ Cache = (*RedisCache)(nil)
