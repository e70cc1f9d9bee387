package display

import (
	"context"
	"fmt"
	"time"

	"QFMCast/core/plugin"
	"QFMCast/model"
)

// MediaElement 本地播放器。只有 Synchronizer 可以改变它的播放、暂停和位置。
type MediaElement interface {
	// Load 加载音源，完成后处于暂停状态。在事件循环之外调用，
	// 需要与其他方法并发安全，并在 ctx 取消时尽快返回。
	Load(ctx context.Context, url string) error
	Play() error
	Pause() error
	Seek(pos time.Duration) error
	Position() time.Duration
	SetMuted(muted bool)
	// Stop 停止播放并清除音源
	Stop() error
}

// StreamResolver 由 plugin.Resolver 实现
type StreamResolver interface {
	Resolve(ctx context.Context, title, artist, quality string) (*plugin.StreamResult, error)
}

// PlaybackState Connected 之后的播放状态
type PlaybackState int

const (
	NoTrack PlaybackState = iota
	Loading
	Ready
	// Unavailable 没有来源能提供这首歌
	Unavailable
	// Failed 本地播放器加载或播放失败
	Failed
)

func (s PlaybackState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	default:
		return "no_track"
	}
}

// PlaybackError 本地播放器错误，不会对同一首歌自动重试
type PlaybackError struct {
	Op    string // load, play, seek
	Track model.TrackRef
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s failed for %q: %v", e.Op, e.Track.Title, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Snapshot 给界面使用的只读状态
type Snapshot struct {
	Track          model.TrackRef `json:"track"`
	Playback       PlaybackState  `json:"playback"`
	Playing        bool           `json:"playing"`        // 本地实际在播放
	DesiredPlaying bool           `json:"desiredPlaying"` // Controller 的意图
	Unlocked       bool           `json:"unlocked"`
	Muted          bool           `json:"muted"`
	Progress       float64        `json:"progress"` // 按 Controller 外推的进度，秒
	Provider       string         `json:"provider,omitempty"`
	LyricIndex     int            `json:"lyricIndex"`
	LyricLine      string         `json:"lyricLine,omitempty"`
	Err            string         `json:"error,omitempty"`
}

// ReadyState Ready 时细分为 playing 或 paused
func (s Snapshot) ReadyState() string {
	if s.Playback != Ready {
		return s.Playback.String()
	}
	if s.Playing {
		return "playing"
	}
	return "paused"
}
