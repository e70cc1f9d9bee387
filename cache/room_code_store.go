package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	lastRoomKey = "controller:%s:last_room" // String: 上次成功配对的房间码
	lastRoomTTL = 7 * 24 * time.Hour
)

// RoomCodeStore 记住 Controller 上次配对的房间码，存在 Redis
type RoomCodeStore struct {
	client *redis.Client
}

// NewRoomCodeStore 创建房间码存储
func NewRoomCodeStore() *RoomCodeStore {
	return &RoomCodeStore{client: RedisClient}
}

// Remember 保存房间码
func (s *RoomCodeStore) Remember(ctx context.Context, deviceID, code string) error {
	if s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return s.client.Set(ctx, fmt.Sprintf(lastRoomKey, deviceID), code, lastRoomTTL).Err()
}

// Recall 读取房间码，没有时返回空字符串
func (s *RoomCodeStore) Recall(ctx context.Context, deviceID string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("Redis client not initialized")
	}
	code, err := s.client.Get(ctx, fmt.Sprintf(lastRoomKey, deviceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get last room: %w", err)
	}
	return code, nil
}

// Forget 删除房间码
func (s *RoomCodeStore) Forget(ctx context.Context, deviceID string) error {
	if s.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return s.client.Del(ctx, fmt.Sprintf(lastRoomKey, deviceID)).Err()
}

// MemoryRoomCodeStore 进程内实现，用于没有 Redis 的环境和测试
type MemoryRoomCodeStore struct {
	mu    sync.RWMutex
	codes map[string]string
}

// NewMemoryRoomCodeStore 创建进程内房间码存储
func NewMemoryRoomCodeStore() *MemoryRoomCodeStore {
	return &MemoryRoomCodeStore{codes: make(map[string]string)}
}

// Remember 保存房间码
func (s *MemoryRoomCodeStore) Remember(ctx context.Context, deviceID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[deviceID] = code
	return nil
}

// Recall 读取房间码
func (s *MemoryRoomCodeStore) Recall(ctx context.Context, deviceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.codes[deviceID], nil
}

// Forget 删除房间码
func (s *MemoryRoomCodeStore) Forget(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, deviceID)
	return nil
}
