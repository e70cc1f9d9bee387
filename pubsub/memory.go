package pubsub

import (
	"context"
	"sync"

	"QFMCast/logger"
)

// DropFunc decides whether a published message is lost in transit. Used to simulate an
// unreliable network in tests.
type DropFunc func(topic string, msg *Message) bool

type memoryPublish struct {
	topic string
	msg   *Message
}

// MemoryHub 进程内的发布/订阅中心，单个 goroutine 处理注册、注销与广播。
// 订阅确认同样经过主循环，与真实传输一样是异步的。
type MemoryHub struct {
	// 主题 -> 订阅集合，只在主循环中访问
	topics map[string]map[*subscription]bool

	register   chan *subscription
	unregister chan *subscription
	broadcast  chan memoryPublish

	mu   sync.RWMutex
	drop DropFunc

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryHub 创建并启动内存 Hub
func NewMemoryHub() *MemoryHub {
	h := &MemoryHub{
		topics:     make(map[string]map[*subscription]bool),
		register:   make(chan *subscription),
		unregister: make(chan *subscription),
		broadcast:  make(chan memoryPublish, 256),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// SetDropFunc 设置丢包规则，nil 表示不丢包
func (h *MemoryHub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

func (h *MemoryHub) run() {
	for {
		select {
		case sub := <-h.register:
			if h.topics[sub.topic] == nil {
				h.topics[sub.topic] = make(map[*subscription]bool)
			}
			h.topics[sub.topic][sub] = true
			sub.markReady()

		case sub := <-h.unregister:
			if subs, ok := h.topics[sub.topic]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(h.topics, sub.topic)
				}
			}

		case p := <-h.broadcast:
			h.broadcastToTopic(p)

		case <-h.done:
			for _, subs := range h.topics {
				for sub := range subs {
					sub.shutdown()
				}
			}
			h.topics = make(map[string]map[*subscription]bool)
			return
		}
	}
}

func (h *MemoryHub) broadcastToTopic(p memoryPublish) {
	h.mu.RLock()
	drop := h.drop
	h.mu.RUnlock()
	if drop != nil && drop(p.topic, p.msg) {
		return
	}

	for sub := range h.topics[p.topic] {
		// 每个订阅者拿到独立副本，避免共享 Data 切片
		cp := *p.msg
		if !sub.deliver(&cp) {
			logger.Debug("subscriber buffer full, message dropped",
				logger.String("topic", p.topic),
				logger.String("type", string(p.msg.Type)))
		}
	}
}

// Subscribe 订阅主题
func (h *MemoryHub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	sub := newSubscription(topic)
	sub.onClose = func() error {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
		return nil
	}

	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish 发布消息
func (h *MemoryHub) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	select {
	case <-h.done:
		return ErrClosed
	default:
	}

	select {
	case h.broadcast <- memoryPublish{topic: topic, msg: msg}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止 Hub，关闭所有订阅
func (h *MemoryHub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

var _ Transport = (*MemoryHub)(nil)
