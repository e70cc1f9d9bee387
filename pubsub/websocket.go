package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"QFMCast/logger"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WSTransport talks to the relay server (`qfmcast relay`). Each subscription owns one
// WebSocket; publishing to a subscribed topic reuses it, otherwise it falls back to the
// relay's HTTP publish endpoint.
type WSTransport struct {
	baseURL    string // ws:// 或 wss://
	token      string
	dialer     *websocket.Dialer
	httpClient *http.Client

	mu    sync.Mutex
	conns map[string]*wsSubscription
}

type wsSubscription struct {
	*subscription
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSTransport creates a relay client. token may be empty when the relay is open.
func NewWSTransport(baseURL, token string) *WSTransport {
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		conns:      make(map[string]*wsSubscription),
	}
}

func (t *WSTransport) header() http.Header {
	h := http.Header{}
	if t.token != "" {
		h.Set("Authorization", "Bearer "+t.token)
	}
	return h
}

// httpBase converts ws(s):// to http(s)://.
func (t *WSTransport) httpBase() string {
	switch {
	case strings.HasPrefix(t.baseURL, "wss://"):
		return "https://" + strings.TrimPrefix(t.baseURL, "wss://")
	case strings.HasPrefix(t.baseURL, "ws://"):
		return "http://" + strings.TrimPrefix(t.baseURL, "ws://")
	default:
		return t.baseURL
	}
}

// Subscribe dials /ws/{topic}. The relay confirms with a "subscribed" control frame.
func (t *WSTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	u := t.baseURL + "/ws/" + url.PathEscape(topic)
	conn, _, err := t.dialer.DialContext(ctx, u, t.header())
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	ws := &wsSubscription{subscription: newSubscription(topic), conn: conn}
	ws.onClose = func() error {
		t.mu.Lock()
		if t.conns[topic] == ws {
			delete(t.conns, topic)
		}
		t.mu.Unlock()

		ws.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()
		return conn.Close()
	}

	t.mu.Lock()
	t.conns[topic] = ws
	t.mu.Unlock()

	go t.readPump(ws)
	return ws, nil
}

func (t *WSTransport) readPump(ws *wsSubscription) {
	defer func() {
		t.mu.Lock()
		if t.conns[ws.topic] == ws {
			delete(t.conns, ws.topic)
		}
		t.mu.Unlock()
		ws.shutdown()
		ws.conn.Close()
	}()

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("relay read error",
					logger.String("topic", ws.topic),
					logger.ErrorField(err))
			}
			return
		}

		// relay 会把排队的帧用换行合并发送
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				logger.Debug("invalid relay frame", logger.ErrorField(err))
				continue
			}
			if msg.Type == MsgTypeSubscribed {
				ws.markReady()
				continue
			}
			ws.deliver(&msg)
		}
	}
}

// Publish writes on the topic's socket when subscribed, else POSTs to the relay.
func (t *WSTransport) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	t.mu.Lock()
	ws := t.conns[topic]
	t.mu.Unlock()

	if ws != nil {
		ws.writeMu.Lock()
		defer ws.writeMu.Unlock()
		ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("relay write failed: %w", err)
		}
		return nil
	}

	u := t.httpBase() + "/api/topics/" + url.PathEscape(topic) + "/publish"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build publish request: %w", err)
	}
	req.Header = t.header()
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay publish failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay publish returned status %d", resp.StatusCode)
	}
	return nil
}

// Close closes every open subscription.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	subs := make([]*wsSubscription, 0, len(t.conns))
	for _, ws := range t.conns {
		subs = append(subs, ws)
	}
	t.mu.Unlock()

	for _, ws := range subs {
		ws.Close()
	}
	return nil
}

var _ Transport = (*WSTransport)(nil)
