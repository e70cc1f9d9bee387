package controller

import (
	"context"
	"sync/atomic"

	"QFMCast/logger"
	"QFMCast/pubsub"
)

// PublishReason 触发发布的原因，只用于日志
type PublishReason string

const (
	ReasonTrack  PublishReason = "track"
	ReasonToggle PublishReason = "toggle"
	ReasonSeek   PublishReason = "seek"
	ReasonTick   PublishReason = "tick"
	ReasonPaired PublishReason = "paired"
)

// Publisher 把 Session 的状态发布到房间主题。发出即忘，不等待确认，
// 丢失的消息靠播放中的周期性重发弥补。
type Publisher struct {
	transport pubsub.Transport
	session   *Session
	from      string

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPublisher 创建发布器
func NewPublisher(transport pubsub.Transport, session *Session, from string) *Publisher {
	return &Publisher{
		transport: transport,
		session:   session,
		from:      from,
	}
}

// Publish 发布当前状态。错误只记录，不返回给调用方。
func (p *Publisher) Publish(ctx context.Context, topic string, reason PublishReason) {
	if topic == "" {
		return
	}
	st := p.session.State()
	msg, err := pubsub.NewMessage(pubsub.MsgTypePlayerState, p.from, st)
	if err != nil {
		p.failed.Add(1)
		logger.Warn("failed to encode player-state", logger.ErrorField(err))
		return
	}
	if err := p.transport.Publish(ctx, topic, msg); err != nil {
		p.failed.Add(1)
		logger.Debug("player-state publish failed",
			logger.String("topic", topic),
			logger.String("reason", string(reason)),
			logger.ErrorField(err))
		return
	}
	p.sent.Add(1)
	if reason != ReasonTick {
		logger.Debug("player-state published",
			logger.String("reason", string(reason)),
			logger.String("title", st.Track.Title),
			logger.Bool("playing", st.IsPlaying),
			logger.Float64("progress", st.ProgressSeconds))
	}
}

// Tick 周期性重发，只在播放中发送
func (p *Publisher) Tick(ctx context.Context, topic string) {
	if !p.session.Playing() {
		return
	}
	p.Publish(ctx, topic, ReasonTick)
}

// Stats 已发送与失败的消息数
func (p *Publisher) Stats() (sent, failed uint64) {
	return p.sent.Load(), p.failed.Load()
}
