package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"QFMCast/logger"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

const (
	// SpeakerRate 扬声器输出采样率
	SpeakerRate = beep.SampleRate(48000)
	// 最大下载大小，单首歌不会超过
	maxSourceBytes = 256 << 20
)

var (
	// ErrNoSource 还没有 Load
	ErrNoSource = errors.New("audio: no source loaded")

	speakerOnce sync.Once
	speakerErr  error
)

func initSpeaker() error {
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(SpeakerRate, SpeakerRate.N(100*time.Millisecond))
	})
	return speakerErr
}

// memSource 内存中的音频数据，mp3 解码器需要可 Seek 的来源
type memSource struct {
	*bytes.Reader
}

func (memSource) Close() error { return nil }

// fetchSource 下载整首歌到内存
func fetchSource(ctx context.Context, client *http.Client, url string) (*memSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载音频失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("下载音频返回状态码: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取音频失败: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("音频超过 %d 字节", maxSourceBytes)
	}
	return &memSource{Reader: bytes.NewReader(data)}, nil
}

// BeepElement 本地播放器，由 Display 的同步器独占
type BeepElement struct {
	httpClient *http.Client

	mu       sync.Mutex
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	volume   *effects.Volume
	muted    bool

	// 回调在扬声器锁内执行，不能再拿 mu
	gen   atomic.Uint64
	ended atomic.Bool
}

// NewBeepElement 初始化扬声器（进程内只初始化一次）
func NewBeepElement() (*BeepElement, error) {
	if err := initSpeaker(); err != nil {
		return nil, fmt.Errorf("初始化扬声器失败: %w", err)
	}
	return &BeepElement{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		muted:      true,
	}, nil
}

// Load 下载并解码 mp3，加载后处于暂停状态，位置为 0
func (e *BeepElement) Load(ctx context.Context, url string) error {
	src, err := fetchSource(ctx, e.httpClient, url)
	if err != nil {
		return err
	}
	streamer, format, err := mp3.Decode(src)
	if err != nil {
		return fmt.Errorf("解码失败: %w", err)
	}

	var s beep.Streamer = streamer
	if format.SampleRate != SpeakerRate {
		s = beep.Resample(4, format.SampleRate, SpeakerRate, streamer)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()

	vol := &effects.Volume{
		Streamer: s,
		Base:     2,
		Volume:   0,
		Silent:   e.muted,
	}
	ctrl := &beep.Ctrl{
		Streamer: vol,
		Paused:   true,
	}
	e.streamer = streamer
	e.format = format
	e.ctrl = ctrl
	e.volume = vol
	e.ended.Store(false)
	gen := e.gen.Add(1)

	speaker.Play(beep.Seq(ctrl, beep.Callback(func() {
		if e.gen.Load() == gen {
			e.ended.Store(true)
		}
	})))

	logger.Debug("audio source loaded",
		logger.Int("sampleRate", int(format.SampleRate)),
		logger.Duration("length", format.SampleRate.D(streamer.Len())))
	return nil
}

// Play 开始播放
func (e *BeepElement) Play() error {
	return e.setPaused(false)
}

// Pause 暂停
func (e *BeepElement) Pause() error {
	return e.setPaused(true)
}

func (e *BeepElement) setPaused(paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctrl == nil {
		return ErrNoSource
	}
	speaker.Lock()
	e.ctrl.Paused = paused
	speaker.Unlock()
	return nil
}

// Seek 跳转，超出长度时截断到结尾
func (e *BeepElement) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamer == nil {
		return ErrNoSource
	}

	n := e.format.SampleRate.N(pos)
	if n < 0 {
		n = 0
	}
	if n >= e.streamer.Len() {
		n = e.streamer.Len() - 1
	}

	speaker.Lock()
	err := e.streamer.Seek(n)
	speaker.Unlock()
	if err != nil {
		return fmt.Errorf("seek 失败: %w", err)
	}
	return nil
}

// Position 当前播放位置
func (e *BeepElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamer == nil {
		return 0
	}
	speaker.Lock()
	pos := e.streamer.Position()
	speaker.Unlock()
	return e.format.SampleRate.D(pos)
}

// Ended 是否已播放到结尾
func (e *BeepElement) Ended() bool {
	return e.ended.Load()
}

// SetMuted 静音
func (e *BeepElement) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
	if e.volume != nil {
		speaker.Lock()
		e.volume.Silent = muted
		speaker.Unlock()
	}
}

// Stop 停止播放并释放音源
func (e *BeepElement) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
	return nil
}

func (e *BeepElement) clearLocked() {
	if e.streamer == nil {
		return
	}
	speaker.Clear()
	if err := e.streamer.Close(); err != nil {
		logger.Debug("failed to close audio source", logger.ErrorField(err))
	}
	e.streamer = nil
	e.ctrl = nil
	e.volume = nil
	e.gen.Add(1)
	e.ended.Store(false)
}
