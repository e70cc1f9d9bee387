package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFMCast/core/room"
	"QFMCast/logger"
	"QFMCast/model"
	"QFMCast/pubsub"

	"github.com/jonboulle/clockwork"
)

const (
	defaultAnnounceInterval = 2 * time.Second
	defaultAnnounceRetries  = 3
	defaultPublishInterval  = time.Second
)

var (
	// ErrNotConnected Run 在 Connect 之前被调用
	ErrNotConnected = errors.New("controller: not connected")
	// ErrNoRememberedCode 没有可用于重连的房间码
	ErrNoRememberedCode = errors.New("controller: no remembered room code")
)

// CodeStore 记住上次成功配对的房间码，由 cache.RoomCodeStore 实现
type CodeStore interface {
	Remember(ctx context.Context, deviceID, code string) error
	Recall(ctx context.Context, deviceID string) (string, error)
	Forget(ctx context.Context, deviceID string) error
}

// Config Controller 配置
type Config struct {
	DeviceID         string
	Name             string
	AnnounceInterval time.Duration
	AnnounceRetries  int
	PublishInterval  time.Duration
	Clock            clockwork.Clock
	Store            CodeStore
	// OnPaired 收到第一个 ack 时在事件循环里调用
	OnPaired func(displayID string)
}

// Controller 手机端：加入房间、发送 announce，并在唯一的事件循环里发布播放状态
type Controller struct {
	transport pubsub.Transport
	cfg       Config
	clock     clockwork.Clock
	session   *Session
	publisher *Publisher

	// 会话变更信号，容量为 1，连续变更合并为一次发布
	changed chan struct{}

	mu        sync.RWMutex
	code      string
	sub       pubsub.Subscription
	paired    bool
	pairedCh  chan struct{}
	displayID string
	announces int
	pending   PublishReason
}

// New 创建 Controller
func New(transport pubsub.Transport, cfg Config) *Controller {
	if cfg.DeviceID == "" {
		cfg.DeviceID = pubsub.NewDeviceID()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.AnnounceRetries < 0 {
		cfg.AnnounceRetries = 0
	} else if cfg.AnnounceRetries == 0 {
		cfg.AnnounceRetries = defaultAnnounceRetries
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = defaultPublishInterval
	}

	session := NewSession(cfg.Clock)
	return &Controller{
		transport: transport,
		cfg:       cfg,
		clock:     cfg.Clock,
		session:   session,
		publisher: NewPublisher(transport, session, cfg.DeviceID),
		changed:   make(chan struct{}, 1),
		pairedCh:  make(chan struct{}),
	}
}

// ========== 配对 ==========

// Connect 校验房间码、订阅房间主题并立即发送一次 announce。
// 订阅确认后以及之后每个 AnnounceInterval 会在 Run 中重发，直到收到 ack。
func (c *Controller) Connect(ctx context.Context, code string) error {
	code = room.NormalizeCode(code)
	if err := room.ValidateCode(code); err != nil {
		return err
	}

	topic := room.Topic(code)
	sub, err := c.transport.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("订阅房间失败: %w", err)
	}

	c.mu.Lock()
	old := c.sub
	c.code = code
	c.sub = sub
	c.paired = false
	c.pairedCh = make(chan struct{})
	c.displayID = ""
	c.announces = 0
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.Debug("failed to close previous subscription", logger.ErrorField(err))
		}
	}

	logger.Info("controller joining room",
		logger.String("code", code),
		logger.String("device", c.cfg.DeviceID))

	// 订阅本身是异步的，这一次可能在 Display 之前丢失
	c.announce(ctx, topic)
	return nil
}

// Reconnect 使用记住的房间码重新连接
func (c *Controller) Reconnect(ctx context.Context) (string, error) {
	if c.cfg.Store == nil {
		return "", ErrNoRememberedCode
	}
	code, err := c.cfg.Store.Recall(ctx, c.cfg.DeviceID)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", ErrNoRememberedCode
	}
	if err := c.Connect(ctx, code); err != nil {
		if errors.Is(err, room.ErrInvalidCode) {
			_ = c.cfg.Store.Forget(ctx, c.cfg.DeviceID)
		}
		return "", err
	}
	return code, nil
}

func (c *Controller) announce(ctx context.Context, topic string) {
	msg, err := pubsub.NewMessage(pubsub.MsgTypeAnnounce, c.cfg.DeviceID, model.AnnounceData{
		ControllerID: c.cfg.DeviceID,
		Name:         c.cfg.Name,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	c.announces++
	c.mu.Unlock()
	if err := c.transport.Publish(ctx, topic, msg); err != nil {
		logger.Warn("failed to announce", logger.String("topic", topic), logger.ErrorField(err))
	}
}

func (c *Controller) handleAck(ctx context.Context, msg *pubsub.Message) {
	var ack model.AckData
	if err := msg.Decode(&ack); err != nil {
		logger.Debug("invalid ack", logger.ErrorField(err))
		return
	}

	c.mu.Lock()
	if ack.RoomCode != "" && ack.RoomCode != c.code {
		c.mu.Unlock()
		return
	}
	if c.paired {
		c.mu.Unlock()
		return
	}
	c.paired = true
	c.displayID = ack.DisplayID
	if c.displayID == "" {
		c.displayID = msg.From
	}
	code, displayID, pairedCh := c.code, c.displayID, c.pairedCh
	c.mu.Unlock()

	logger.Info("paired with display",
		logger.String("code", code),
		logger.String("display", displayID))

	if c.cfg.Store != nil {
		if err := c.cfg.Store.Remember(ctx, c.cfg.DeviceID, code); err != nil {
			logger.Warn("failed to remember room code", logger.ErrorField(err))
		}
	}
	if c.cfg.OnPaired != nil {
		c.cfg.OnPaired(displayID)
	}
	close(pairedCh)
	// 让 Display 立即拿到当前歌曲
	c.publisher.Publish(ctx, room.Topic(code), ReasonPaired)
}

// ========== 事件循环 ==========

// Run 事件循环：订阅确认、ack、announce 重试、状态变更与周期发布。
// 订阅断开时返回 pubsub.ErrClosed，ctx 取消时返回 nil。
func (c *Controller) Run(ctx context.Context) error {
	c.mu.RLock()
	sub, code := c.sub, c.code
	c.mu.RUnlock()
	if sub == nil {
		return ErrNotConnected
	}
	topic := room.Topic(code)

	defer func() {
		if err := sub.Close(); err != nil {
			logger.Debug("unsubscribe failed", logger.ErrorField(err))
		}
	}()

	announceTicker := c.clock.NewTicker(c.cfg.AnnounceInterval)
	defer announceTicker.Stop()
	publishTicker := c.clock.NewTicker(c.cfg.PublishInterval)
	defer publishTicker.Stop()

	ready := sub.Ready()
	confirmed := false
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ready:
			ready = nil
			confirmed = true
			if !c.Paired() {
				c.announce(ctx, topic)
			}

		case msg, ok := <-sub.Messages():
			if !ok {
				return pubsub.ErrClosed
			}
			if msg == nil || msg.From == c.cfg.DeviceID {
				continue
			}
			if msg.Type == pubsub.MsgTypeAck {
				c.handleAck(ctx, msg)
			}

		case <-announceTicker.Chan():
			if confirmed && !c.Paired() && retries < c.cfg.AnnounceRetries {
				retries++
				logger.Debug("re-announcing",
					logger.String("code", code),
					logger.Int("attempt", retries))
				c.announce(ctx, topic)
			}

		case <-c.changed:
			c.publisher.Publish(ctx, topic, c.takePending())

		case <-publishTicker.Chan():
			c.publisher.Tick(ctx, topic)
		}
	}
}

// notify 标记会话已变更。发布时读取最新会话，所以信号已存在时无需再发。
func (c *Controller) notify(reason PublishReason) {
	c.mu.Lock()
	c.pending = reason
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Controller) takePending() PublishReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := c.pending
	c.pending = ""
	return reason
}

// ========== 播放控制 ==========

// SetTrack 切歌并立即发布
func (c *Controller) SetTrack(track model.TrackRef, play bool) {
	c.session.SetTrack(track, play)
	c.notify(ReasonTrack)
}

// Play 继续播放
func (c *Controller) Play() {
	if c.session.Play() {
		c.notify(ReasonToggle)
	}
}

// Pause 暂停
func (c *Controller) Pause() {
	if c.session.Pause() {
		c.notify(ReasonToggle)
	}
}

// Toggle 切换播放状态
func (c *Controller) Toggle() {
	if c.session.Playing() {
		c.Pause()
	} else {
		c.Play()
	}
}

// Seek 跳转并立即发布
func (c *Controller) Seek(pos time.Duration) {
	c.session.Seek(pos)
	c.notify(ReasonSeek)
}

// ========== 状态 ==========

// Paired 是否收到 ack
func (c *Controller) Paired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paired
}

// WaitPaired 阻塞直到收到 ack
func (c *Controller) WaitPaired(ctx context.Context) error {
	c.mu.RLock()
	ch := c.pairedCh
	c.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Code 当前房间码
func (c *Controller) Code() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code
}

// DisplayID 配对的 Display
func (c *Controller) DisplayID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayID
}

// Announces 已尝试发送的 announce 次数
func (c *Controller) Announces() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.announces
}

// Session 权威播放状态
func (c *Controller) Session() *Session {
	return c.session
}

// DeviceID 设备ID
func (c *Controller) DeviceID() string {
	return c.cfg.DeviceID
}
