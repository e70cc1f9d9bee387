package server

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"

	"QFMCast/core/room"
	"QFMCast/logger"
	"QFMCast/pubsub"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RelayHandler relay 的 HTTP 处理器
type RelayHandler struct {
	hub      *RelayHub
	origin   string
	ctx      context.Context
	upgrader websocket.Upgrader
}

// NewRelayHandler 创建 relay 处理器。ctx 取消时所有连接的读循环退出。
func NewRelayHandler(ctx context.Context, hub *RelayHub, origin string) *RelayHandler {
	return &RelayHandler{
		hub:    hub,
		origin: origin,
		ctx:    ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// topicFromRequest 只接受 tv-room-<CODE> 形式的主题
func topicFromRequest(r *http.Request) (string, bool) {
	topic := mux.Vars(r)["topic"]
	if _, err := room.CodeFromTopic(topic); err != nil {
		return "", false
	}
	return topic, true
}

// ========== 处理器 ==========

// WebSocketHandler 订阅主题：先发送 subscribed 确认帧，之后转发同主题的所有帧
func (h *RelayHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	topic, ok := topicFromRequest(r)
	if !ok {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}

	// 升级为 WebSocket 连接
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	client := &Client{
		Hub:   h.hub,
		Conn:  conn,
		Send:  make(chan []byte, sendBufferSize),
		Topic: topic,
		ID:    pubsub.NewDeviceID(),
	}

	// 确认帧先入队，注册之后的广播都排在它后面
	client.Send <- subscribedFrame(topic)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	// 启动读写协程
	go client.WritePump()
	go client.ReadPump(h.ctx)
}

// PublishHandler 不订阅直接发布一条消息
func (h *RelayHandler) PublishHandler(w http.ResponseWriter, r *http.Request) {
	topic, ok := topicFromRequest(r)
	if !ok {
		http.Error(w, "invalid topic", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxFrameSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	frame, err := validateFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.hub.Broadcast(topic, frame, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "accepted",
		"subscribers": h.hub.TopicClientCount(topic),
	})
}

var tvPage = template.Must(template.New("tv").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>1QFM TV {{.Code}}</title></head>
<body>
{{if .Error}}<p>无效的房间码: {{.Error}}</p>{{else}}<h1>{{.Code}}</h1>
<p>在手机上输入房间码或打开 <a href="{{.Link}}">{{.Link}}</a></p>{{end}}
</body>
</html>
`))

// TVHandler 深链接落地页 /tv?room=CODE
func (h *RelayHandler) TVHandler(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Code, Link, Error string
	}{}

	code := room.NormalizeCode(r.URL.Query().Get("room"))
	status := http.StatusOK
	if err := room.ValidateCode(code); err != nil {
		data.Error = code
		status = http.StatusBadRequest
	} else {
		data.Code = code
		data.Link = room.DeepLink(h.origin, code)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tvPage.Execute(w, data); err != nil {
		logger.Error("failed to render tv page", logger.ErrorField(err))
	}
}

// HealthHandler 健康检查
func (h *RelayHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"topics": h.hub.TopicCount(),
	})
}

// RegisterRelayRoutes 注册 relay 路由
func RegisterRelayRoutes(router *mux.Router, handler *RelayHandler, authMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	router.HandleFunc("/ws/{topic}", authMiddleware(handler.WebSocketHandler))
	router.HandleFunc("/api/topics/{topic}/publish", authMiddleware(handler.PublishHandler)).Methods(http.MethodPost)
	router.HandleFunc("/tv", handler.TVHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handler.HealthHandler).Methods(http.MethodGet)

	logger.Info("relay 端点注册完成",
		logger.String("endpoints", "WS /ws/{topic}, POST /api/topics/{topic}/publish, GET /tv, GET /healthz"))
}
