package controller

import (
	"sync"
	"time"

	"QFMCast/model"

	"github.com/jonboulle/clockwork"
)

// Session Controller 端的权威播放意图：当前歌曲、播放状态与进度
type Session struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	track   model.TrackRef
	playing bool
	// 进度 = base + (now - startedAt)，仅播放中累加
	base      time.Duration
	startedAt time.Time
}

// NewSession 创建会话
func NewSession(clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{clock: clock}
}

// SetTrack 切歌，进度归零
func (s *Session) SetTrack(track model.TrackRef, play bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.base = 0
	s.playing = play && !track.IsZero()
	if s.playing {
		s.startedAt = s.clock.Now()
	}
}

// Play 开始播放，状态变化时返回 true
func (s *Session) Play() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing || s.track.IsZero() {
		return false
	}
	s.playing = true
	s.startedAt = s.clock.Now()
	return true
}

// Pause 暂停，状态变化时返回 true
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return false
	}
	s.base = s.progressLocked()
	s.playing = false
	return true
}

// Seek 跳转，超出时长时截断
func (s *Session) Seek(pos time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	if d := model.SecondsToDuration(s.track.DurationSeconds); d > 0 && pos > d {
		pos = d
	}
	s.base = pos
	s.startedAt = s.clock.Now()
}

// Progress 当前进度
func (s *Session) Progress() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() time.Duration {
	p := s.base
	if s.playing {
		p += s.clock.Since(s.startedAt)
	}
	if d := model.SecondsToDuration(s.track.DurationSeconds); d > 0 && p > d {
		p = d
	}
	return p
}

// Playing 是否在播放
func (s *Session) Playing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

// Track 当前歌曲
func (s *Session) Track() model.TrackRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.track
}

// State 生成一条 player-state
func (s *Session) State() model.PlayerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.PlayerState{
		Track:           s.track,
		IsPlaying:       s.playing,
		ProgressSeconds: s.progressLocked().Seconds(),
		SentAtMs:        s.clock.Now().UnixMilli(),
	}
}
