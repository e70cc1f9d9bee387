// Package pubsub carries room messages between devices. Delivery is best effort: messages
// may be dropped, and callers must tolerate loss through periodic repetition.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType 消息类型
type MessageType string

const (
	MsgTypeAnnounce    MessageType = "announce"     // Controller -> Display
	MsgTypeAck         MessageType = "ack"          // Display -> Controller
	MsgTypePlayerState MessageType = "player-state" // Controller -> Display，周期性重复
	MsgTypeSubscribed  MessageType = "subscribed"   // relay 控制帧，不会交给订阅者
)

// subscriptionBuffer 每个订阅的接收缓冲，满了就丢弃
const subscriptionBuffer = 64

var (
	ErrClosed        = errors.New("pubsub: transport closed")
	ErrEmptyTopic    = errors.New("pubsub: empty topic")
	ErrNotSubscribed = errors.New("pubsub: not subscribed")
)

// Message 房间内传输的消息
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage 创建消息，payload 序列化为 Data
func NewMessage(msgType MessageType, from string, payload interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode 解析 Data
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return errors.New("pubsub: empty message data")
	}
	return json.Unmarshal(m.Data, v)
}

// NewDeviceID 生成设备ID，用于过滤自己发出的回声
func NewDeviceID() string {
	return uuid.NewString()
}

// Subscription is a cancellation handle for one topic subscription. Messages is closed
// after Close or when the underlying connection is lost.
type Subscription interface {
	Topic() string
	Messages() <-chan *Message
	// Ready is closed once the transport has confirmed the subscription.
	Ready() <-chan struct{}
	Close() error
}

// Transport 发布/订阅传输层
type Transport interface {
	// Subscribe registers interest in topic. It does not wait for confirmation; use Ready.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, msg *Message) error
	Close() error
}

// subscription is the channel plumbing shared by all transports.
type subscription struct {
	topic string
	ch    chan *Message
	ready chan struct{}
	done  chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool

	onClose func() error
}

func newSubscription(topic string) *subscription {
	return &subscription{
		topic: topic,
		ch:    make(chan *Message, subscriptionBuffer),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *subscription) Topic() string             { return s.topic }
func (s *subscription) Messages() <-chan *Message { return s.ch }
func (s *subscription) Ready() <-chan struct{}    { return s.ready }

func (s *subscription) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// deliver hands msg to the consumer without blocking. Returns false when dropped.
func (s *subscription) deliver(msg *Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the channels without running onClose.
func (s *subscription) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		close(s.done)
		s.mu.Unlock()
	})
}

func (s *subscription) Close() error {
	var err error
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		close(s.done)
		s.mu.Unlock()
	})
	if first && s.onClose != nil {
		err = s.onClose()
	}
	return err
}
