package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"QFMCast/core/plugin"

	"github.com/go-redis/redis/v8"
)

const streamKey = "stream:%s" // String: StreamResult JSON

// StreamCache 解析结果缓存，实现 plugin.StreamCache
type StreamCache struct {
	client *redis.Client
}

// NewStreamCache 创建解析结果缓存
func NewStreamCache() *StreamCache {
	return &StreamCache{client: RedisClient}
}

// NewStreamCacheWithClient 使用指定客户端
func NewStreamCacheWithClient(client *redis.Client) *StreamCache {
	return &StreamCache{client: client}
}

func streamCacheKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return fmt.Sprintf(streamKey, hex.EncodeToString(sum[:]))
}

// GetStream 未命中时返回 nil, nil
func (c *StreamCache) GetStream(ctx context.Context, key string) (*plugin.StreamResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, streamCacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	var res plugin.StreamResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return &res, nil
}

// SetStream 写入缓存
func (c *StreamCache) SetStream(ctx context.Context, key string, res *plugin.StreamResult, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}
	return c.client.Set(ctx, streamCacheKey(key), data, ttl).Err()
}

var _ plugin.StreamCache = (*StreamCache)(nil)
