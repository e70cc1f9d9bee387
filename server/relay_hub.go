package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFMCast/logger"
	"QFMCast/pubsub"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 16 * 1024 // 16KB
	sendBufferSize = 256
)

// Client relay 上的一个 WebSocket 订阅
type Client struct {
	Hub   *RelayHub
	Conn  *websocket.Conn
	Send  chan []byte
	Topic string
	ID    string // 连接ID，日志用
}

// RelayHub 按主题转发帧的 WebSocket 中心。只转发，不保存任何房间状态。
type RelayHub struct {
	// 主题 -> 客户端集合，只在主循环中修改
	topics map[string]map[*Client]bool

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// 广播通道
	broadcast chan *broadcastFrame

	// 保护 topics 的读取
	mu sync.RWMutex

	// 关闭信号
	done     chan struct{}
	stopOnce sync.Once
}

type broadcastFrame struct {
	Topic   string
	Message []byte
	Exclude *Client // 不回发给发送者
}

// NewRelayHub 创建 relay Hub
func NewRelayHub() *RelayHub {
	return &RelayHub{
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastFrame, 256),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *RelayHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.broadcastToTopic(frame)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *RelayHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *RelayHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[client.Topic] == nil {
		h.topics[client.Topic] = make(map[*Client]bool)
	}
	h.topics[client.Topic][client] = true

	logger.Info("relay client subscribed",
		logger.String("topic", client.Topic),
		logger.String("client", client.ID),
		logger.Int("subscribers", len(h.topics[client.Topic])))
}

func (h *RelayHub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.topics[client.Topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)

	// 主题空了就删除
	if len(clients) == 0 {
		delete(h.topics, client.Topic)
	}

	logger.Info("relay client unsubscribed",
		logger.String("topic", client.Topic),
		logger.String("client", client.ID))
}

func (h *RelayHub) broadcastToTopic(frame *broadcastFrame) {
	h.mu.RLock()
	clients := h.topics[frame.Topic]
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		if client == frame.Exclude {
			continue
		}
		select {
		case client.Send <- frame.Message:
		default:
			// 发送缓冲区满，断开慢客户端
			logger.Warn("relay client too slow, dropping",
				logger.String("topic", client.Topic),
				logger.String("client", client.ID))
			h.removeClient(client)
		}
	}
}

func (h *RelayHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.topics {
		for client := range clients {
			close(client.Send)
		}
	}
	h.topics = make(map[string]map[*Client]bool)
}

// Register 注册客户端。返回后发布到该主题的帧都会送达此客户端。
func (h *RelayHub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 注销客户端
func (h *RelayHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast 把帧转发给主题内除 exclude 之外的所有订阅者
func (h *RelayHub) Broadcast(topic string, message []byte, exclude *Client) {
	select {
	case h.broadcast <- &broadcastFrame{Topic: topic, Message: message, Exclude: exclude}:
	case <-h.done:
	}
}

// TopicClientCount 主题订阅数
func (h *RelayHub) TopicClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// TopicCount 活跃主题数
func (h *RelayHub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// ========== Client 方法 ==========

// subscribedFrame 订阅确认帧
func subscribedFrame(topic string) []byte {
	msg, err := pubsub.NewMessage(pubsub.MsgTypeSubscribed, "relay", map[string]string{"topic": topic})
	if err != nil {
		return nil
	}
	data, _ := json.Marshal(msg)
	return data
}

// validateFrame 检查帧是合法的消息，并重新编码为单行 JSON
func validateFrame(data []byte) ([]byte, error) {
	var msg pubsub.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.Type == pubsub.MsgTypeSubscribed {
		return nil, errors.New("control frames cannot be published")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return json.Marshal(&msg)
}

// ReadPump 读取帧并转发给同主题的其他订阅者
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("relay read error",
					logger.ErrorField(err),
					logger.String("topic", c.Topic),
					logger.String("client", c.ID))
			}
			return
		}

		frame, err := validateFrame(message)
		if err != nil {
			logger.Debug("invalid relay frame",
				logger.ErrorField(err),
				logger.String("topic", c.Topic))
			continue
		}
		c.Hub.Broadcast(c.Topic, frame, c)
	}
}

// WritePump 写入循环，排队的帧用换行合并发送
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
