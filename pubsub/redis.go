package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"QFMCast/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns the default configuration.
func DefaultRedisConfig(address, password string, db int) RedisConfig {
	return RedisConfig{
		Address:      address,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisTransport implements Transport using Redis PUBLISH/SUBSCRIBE.
// Redis delivers a message to every subscriber of the channel, the publisher included.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport creates a new Redis-based transport.
func NewRedisTransport(cfg RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisTransport{client: client}, nil
}

// Publish publishes a message to the specified topic.
func (r *RedisTransport) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return r.client.Publish(ctx, topic, data).Err()
}

// Subscribe subscribes to a topic. Ready closes when Redis confirms the SUBSCRIBE.
func (r *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(subCtx, topic)

	sub := newSubscription(topic)
	sub.onClose = func() error {
		cancel()
		return ps.Close()
	}

	go r.processMessages(subCtx, ps, sub)
	return sub, nil
}

// processMessages waits for the subscribe confirmation, then forwards messages.
func (r *RedisTransport) processMessages(ctx context.Context, ps *redis.PubSub, sub *subscription) {
	defer sub.shutdown()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn("redis subscribe failed",
				logger.String("topic", sub.topic),
				logger.ErrorField(err))
		}
		ps.Close()
		return
	}
	sub.markReady()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Debug("invalid message format",
					logger.String("topic", sub.topic),
					logger.ErrorField(err))
				continue
			}
			sub.deliver(&msg)
		}
	}
}

// Close closes the Redis client.
func (r *RedisTransport) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client for advanced operations.
func (r *RedisTransport) Client() *redis.Client {
	return r.client
}

var _ Transport = (*RedisTransport)(nil)
