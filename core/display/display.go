package display

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"QFMCast/core/room"
	"QFMCast/logger"
	"QFMCast/model"
	"QFMCast/pubsub"

	"github.com/jonboulle/clockwork"
)

// ErrNotStarted Run 在 Start 之前被调用
var ErrNotStarted = errors.New("display: not started")

// Room Display 创建的房间，用于渲染配对码
type Room struct {
	Code     string
	Topic    string
	DeepLink string
}

// Config Display 配置
type Config struct {
	DeviceID string
	Origin   string
	// Code 为空时自动生成
	Code  string
	Clock clockwork.Clock
	// OnConnectionChange 在事件循环里调用
	OnConnectionChange func(state room.ConnectionState, controllerID string)
}

// Display 电视端：创建房间、响应 announce，配对后把 player-state 交给 Synchronizer
type Display struct {
	transport pubsub.Transport
	sync      *Synchronizer
	cfg       Config
	clock     clockwork.Clock

	mu      sync.RWMutex
	room    *Room
	sub     pubsub.Subscription
	pairing *room.Pairing
	state   room.ConnectionState
}

// New 创建 Display。Synchronizer 的 SelfID 应与 cfg.DeviceID 一致。
func New(transport pubsub.Transport, synchronizer *Synchronizer, cfg Config) *Display {
	if cfg.DeviceID == "" {
		cfg.DeviceID = pubsub.NewDeviceID()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if synchronizer.opts.SelfID == "" {
		synchronizer.opts.SelfID = cfg.DeviceID
	}
	return &Display{
		transport: transport,
		sync:      synchronizer,
		cfg:       cfg,
		clock:     cfg.Clock,
	}
}

// Start 生成房间码并订阅主题，确认订阅后才返回，调用方随后渲染房间码。
// 先订阅后渲染，避免丢失在订阅完成前发出的 announce。
func (d *Display) Start(ctx context.Context) (*Room, error) {
	code := d.cfg.Code
	if code == "" {
		var err error
		if code, err = room.GenerateCode(); err != nil {
			return nil, err
		}
	} else if err := room.ValidateCode(code); err != nil {
		return nil, err
	}

	topic := room.Topic(code)
	sub, err := d.transport.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("订阅房间失败: %w", err)
	}

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	}

	r := &Room{
		Code:     code,
		Topic:    topic,
		DeepLink: room.DeepLink(d.cfg.Origin, code),
	}
	pairing := room.NewPairing(code)
	pairing.Open()

	d.mu.Lock()
	d.room = r
	d.sub = sub
	d.pairing = pairing
	d.state = pairing.State()
	d.mu.Unlock()

	logger.Info("display room created",
		logger.String("code", code),
		logger.String("topic", topic))
	return r, nil
}

// Run 运行事件循环直到 ctx 取消或订阅断开，退出时取消订阅并释放播放器
func (d *Display) Run(ctx context.Context) error {
	d.mu.RLock()
	sub, pairing := d.sub, d.pairing
	d.mu.RUnlock()
	if sub == nil {
		return ErrNotStarted
	}

	defer func() {
		if err := sub.Close(); err != nil {
			logger.Debug("unsubscribe failed", logger.ErrorField(err))
		}
		pairing.Close()
		d.setState(pairing)
		logger.Info("display closed", logger.String("code", pairing.Code()))
	}()

	// 配对完成之前不跟随任何播放状态
	d.sync.admit = func() bool { return pairing.State() == room.Connected }

	return d.sync.Run(ctx, sub.Messages(), func(ctx context.Context, msg *pubsub.Message) {
		d.handleControl(ctx, pairing, msg)
	})
}

// handleControl 处理 announce。重复的 announce 每次都回复 ack。
func (d *Display) handleControl(ctx context.Context, pairing *room.Pairing, msg *pubsub.Message) {
	if msg.Type != pubsub.MsgTypeAnnounce {
		return
	}

	var data model.AnnounceData
	if err := msg.Decode(&data); err != nil {
		logger.Debug("invalid announce", logger.ErrorField(err))
		return
	}
	if data.ControllerID == "" {
		data.ControllerID = msg.From
	}

	if pairing.HandleAnnounce(data, d.clock.Now()) {
		d.setState(pairing)
		logger.Info("controller paired",
			logger.String("code", pairing.Code()),
			logger.String("controller", data.ControllerID),
			logger.String("name", data.Name))
		if d.cfg.OnConnectionChange != nil {
			d.cfg.OnConnectionChange(pairing.State(), pairing.ControllerID())
		}
	}

	ack, err := pubsub.NewMessage(pubsub.MsgTypeAck, d.cfg.DeviceID, model.AckData{
		DisplayID: d.cfg.DeviceID,
		RoomCode:  pairing.Code(),
	})
	if err != nil {
		return
	}
	if err := d.transport.Publish(ctx, room.Topic(pairing.Code()), ack); err != nil {
		logger.Warn("failed to publish ack", logger.ErrorField(err))
	}
}

func (d *Display) setState(p *room.Pairing) {
	d.mu.Lock()
	d.state = p.State()
	d.mu.Unlock()
}

// ConnectionState 当前连接状态
func (d *Display) ConnectionState() room.ConnectionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Room 已创建的房间，Start 之前为 nil
func (d *Display) Room() *Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.room
}

// Synchronizer 播放同步器
func (d *Display) Synchronizer() *Synchronizer {
	return d.sync
}
