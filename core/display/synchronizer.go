package display

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"QFMCast/core/autoplay"
	"QFMCast/core/lyrics"
	"QFMCast/logger"
	"QFMCast/model"
	"QFMCast/pubsub"

	"github.com/jonboulle/clockwork"
)

const (
	defaultDriftThreshold = 3 * time.Second
	defaultDriftGrace     = 5 * time.Second
	defaultTickInterval   = 250 * time.Millisecond
	defaultUnavailableTTL = 30 * time.Second
	maxLatencyComp        = 2 * time.Second
)

// Options Synchronizer 配置
type Options struct {
	Quality        string
	DriftThreshold time.Duration
	DriftGrace     time.Duration
	TickInterval   time.Duration
	// UnavailableRetry 同一首歌解析失败后，至少间隔多久才会在新消息到达时重新解析。
	// 默认 30 秒。冷却期内 Controller 的周期发布不会触发重新解析，换歌则立即解析。
	UnavailableRetry time.Duration
	// LatencyCompensation 播放中时把 now - sentAtMs 加到上报进度上
	LatencyCompensation bool
	// SelfID 用于丢弃自己发出的消息
	SelfID string
	Clock  clockwork.Clock
	Lyrics lyrics.Fetcher
	// OnChange 在事件循环里调用，不要阻塞
	OnChange func(Snapshot)
}

func (o *Options) withDefaults() {
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = defaultDriftThreshold
	}
	if o.DriftGrace <= 0 {
		o.DriftGrace = defaultDriftGrace
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.UnavailableRetry <= 0 {
		o.UnavailableRetry = defaultUnavailableTTL
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// ControlFunc 处理 player-state 以外的消息，在事件循环里调用
type ControlFunc func(ctx context.Context, msg *pubsub.Message)

type resolveResult struct {
	gen     uint64
	track   model.TrackRef
	url     string
	from    string
	err     error
	loadErr error // 播放器加载失败，err 为 nil 时才有意义
}

type lyricsResult struct {
	gen   uint64
	lines []lyrics.SyncedLine
}

// Synchronizer 把 Controller 上报的状态应用到本地播放器。
// 本地播放器的时钟从不被当作权威，总是向上报的进度校正。
// 除了 Unlock/SetMuted/Snapshot，所有方法只在 Run 的事件循环里调用。
type Synchronizer struct {
	element  MediaElement
	resolver StreamResolver
	gate     *autoplay.Gate
	opts     Options
	clock    clockwork.Clock
	// admit 在事件循环里调用，返回 false 的 player-state 被丢弃。nil 时全部接受。
	admit func() bool

	// 以下字段只属于事件循环
	ctx            context.Context
	track          model.TrackRef
	playback       PlaybackState
	desiredPlaying bool
	playing        bool
	reported       model.PlayerState
	reportedAt     time.Time
	playStartedAt  time.Time
	failedAt       time.Time
	gen            uint64
	cancelResolve  context.CancelFunc
	cancelLyrics   context.CancelFunc
	provider       string
	lines          []lyrics.SyncedLine
	lyricIndex     int
	lastErr        error
	elementMuted   bool

	resolved chan resolveResult
	lyricsCh chan lyricsResult
	muteCh   chan struct{}

	// 同一时间只有一个加载在进行
	loadMu sync.Mutex

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewSynchronizer 创建同步器。element 由同步器独占。
func NewSynchronizer(element MediaElement, resolver StreamResolver, gate *autoplay.Gate, opts Options) *Synchronizer {
	opts.withDefaults()
	s := &Synchronizer{
		element:    element,
		resolver:   resolver,
		gate:       gate,
		opts:       opts,
		clock:      opts.Clock,
		ctx:        context.Background(),
		lyricIndex: -1,
		resolved:   make(chan resolveResult, 8),
		lyricsCh:   make(chan lyricsResult, 8),
		muteCh:     make(chan struct{}, 1),
	}
	s.snap = s.buildSnapshot()
	return s
}

// Unlock 必须在用户交互的处理函数里同步调用
func (s *Synchronizer) Unlock() bool {
	return s.gate.Unlock()
}

// SetMuted 用户静音开关，解锁之前不会发出声音
func (s *Synchronizer) SetMuted(muted bool) {
	s.gate.SetMuted(muted)
	s.nudgeMute()
}

// ToggleMute 切换静音
func (s *Synchronizer) ToggleMute() bool {
	m := s.gate.ToggleMute()
	s.nudgeMute()
	return m
}

func (s *Synchronizer) nudgeMute() {
	select {
	case s.muteCh <- struct{}{}:
	default:
	}
}

// Snapshot 当前状态，可在任意 goroutine 调用
func (s *Synchronizer) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Run 事件循环：消息、解析结果、歌词结果、定时器、解锁与静音。
// 退出时释放播放器。msgs 关闭时返回 pubsub.ErrClosed。
func (s *Synchronizer) Run(ctx context.Context, msgs <-chan *pubsub.Message, control ControlFunc) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = loopCtx
	defer s.teardown()

	ticker := s.clock.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	unlocked := s.gate.Unlocked()

	for {
		select {
		case <-loopCtx.Done():
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return pubsub.ErrClosed
			}
			if msg == nil || (s.opts.SelfID != "" && msg.From == s.opts.SelfID) {
				continue
			}
			if msg.Type == pubsub.MsgTypePlayerState {
				if s.admit != nil && !s.admit() {
					logger.Debug("player-state before pairing, ignored", logger.String("from", msg.From))
					continue
				}
				var st model.PlayerState
				if err := msg.Decode(&st); err != nil {
					logger.Debug("invalid player-state", logger.ErrorField(err))
					continue
				}
				s.handleState(st)
			} else if control != nil {
				control(loopCtx, msg)
			}

		case res := <-s.resolved:
			s.handleResolved(res)

		case res := <-s.lyricsCh:
			s.handleLyrics(res)

		case <-ticker.Chan():
			s.handleTick()

		case <-unlocked:
			unlocked = nil
			s.handleUnlock()

		case <-s.muteCh:
			s.applyMute()
			s.publish()
		}
	}
}

// ========== 消息处理 ==========

func (s *Synchronizer) handleState(st model.PlayerState) {
	now := s.clock.Now()

	if st.Track.IsZero() {
		if s.playback != NoTrack {
			s.unload()
		}
		s.reported = st
		s.reportedAt = now
		s.desiredPlaying = false
		s.publish()
		return
	}

	switch {
	case s.playback == NoTrack || !st.Track.SameTrack(s.track):
		s.switchTrack(st.Track)
	case s.playback == Unavailable && now.Sub(s.failedAt) >= s.opts.UnavailableRetry:
		// 新的消息到达且已过冷却时间，重新解析
		s.switchTrack(st.Track)
	default:
		// 同一首歌，元数据（封面等）可能更新
		s.track = st.Track
	}

	s.reported = st
	s.reportedAt = now
	s.desiredPlaying = st.IsPlaying

	if s.playback == Ready {
		s.applyPlayState()
		s.correctDrift()
	}
	s.publish()
}

// switchTrack 取消旧的解析，进入 Loading，为新歌发起解析和歌词请求
func (s *Synchronizer) switchTrack(track model.TrackRef) {
	if s.cancelResolve != nil {
		s.cancelResolve()
	}
	if s.cancelLyrics != nil {
		s.cancelLyrics()
	}
	if s.playback != NoTrack {
		if err := s.element.Stop(); err != nil {
			logger.Debug("failed to stop element", logger.ErrorField(err))
		}
	}

	s.gen++
	s.track = track
	s.playback = Loading
	s.playing = false
	s.playStartedAt = time.Time{}
	s.provider = ""
	s.lines = nil
	s.lyricIndex = -1
	s.lastErr = nil

	logger.Info("track changed, resolving",
		logger.String("title", track.Title),
		logger.String("artist", track.Artist))

	s.startResolve(track, s.gen)
	s.startLyrics(track, s.gen)
}

func (s *Synchronizer) startResolve(track model.TrackRef, gen uint64) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelResolve = cancel
	loopCtx := s.ctx
	quality := s.opts.Quality

	go func() {
		defer cancel()
		res := resolveResult{gen: gen, track: track}
		stream, err := s.resolver.Resolve(ctx, track.Title, track.Artist, quality)
		if err != nil {
			res.err = err
		} else {
			res.url = stream.URL
			res.from = stream.Provider
			res.loadErr = s.load(ctx, stream.URL)
		}
		select {
		case s.resolved <- res:
		case <-loopCtx.Done():
		}
	}()
}

// load 在解析协程里下载并解码音源，事件循环不等待。
// 加载期间换歌会取消 ctx；被取代的加载完成后立即清除音源。
func (s *Synchronizer) load(ctx context.Context, url string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.element.Load(ctx, url); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if stopErr := s.element.Stop(); stopErr != nil {
			logger.Debug("failed to stop superseded source", logger.ErrorField(stopErr))
		}
		return err
	}
	return nil
}

func (s *Synchronizer) startLyrics(track model.TrackRef, gen uint64) {
	if s.opts.Lyrics == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelLyrics = cancel
	loopCtx := s.ctx
	fetcher := s.opts.Lyrics

	go func() {
		defer cancel()
		lines := lyrics.FetchSoft(ctx, fetcher, track.Artist, track.Title)
		select {
		case s.lyricsCh <- lyricsResult{gen: gen, lines: lines}:
		case <-loopCtx.Done():
		}
	}()
}

func (s *Synchronizer) handleResolved(res resolveResult) {
	if res.gen != s.gen {
		logger.Debug("discarding stale resolution",
			logger.String("title", res.track.Title),
			logger.Uint64("gen", res.gen),
			logger.Uint64("current", s.gen))
		return
	}
	s.cancelResolve = nil

	if res.err != nil {
		s.playback = Unavailable
		s.failedAt = s.clock.Now()
		s.lastErr = res.err
		logger.Warn("track unavailable",
			logger.String("title", res.track.Title),
			logger.String("artist", res.track.Artist),
			logger.ErrorField(res.err))
		s.publish()
		return
	}

	if res.loadErr != nil {
		if errors.Is(res.loadErr, context.Canceled) && s.ctx.Err() != nil {
			return
		}
		s.fail("load", res.loadErr)
		return
	}

	s.playback = Ready
	s.provider = res.from
	// 新音源的静音状态未知，强制同步一次
	s.elementMuted = s.gate.EffectiveMuted()
	s.element.SetMuted(s.elementMuted)
	s.align()
	s.applyPlayState()
	s.publish()
}

func (s *Synchronizer) handleLyrics(res lyricsResult) {
	if res.gen != s.gen {
		return
	}
	s.lines = res.lines
	s.lyricIndex = lyrics.CurrentIndex(s.lines, s.expectedProgress(s.clock.Now()).Seconds())
	s.publish()
}

func (s *Synchronizer) handleTick() {
	if s.track.IsZero() || len(s.lines) == 0 {
		return
	}
	idx := lyrics.CurrentIndex(s.lines, s.expectedProgress(s.clock.Now()).Seconds())
	if idx != s.lyricIndex {
		s.lyricIndex = idx
		s.publish()
	}
}

func (s *Synchronizer) handleUnlock() {
	logger.Info("audio unlocked")
	s.applyMute()
	if s.playback == Ready {
		s.applyPlayState()
	}
	s.publish()
}

// ========== 播放控制 ==========

// applyPlayState 让本地播放状态跟随期望状态。锁定时保留期望，解锁后再应用。
func (s *Synchronizer) applyPlayState() {
	switch {
	case s.desiredPlaying && !s.playing:
		s.align()
		outcome, err := s.gate.Play(s.element.Play)
		switch outcome {
		case autoplay.OK:
			s.playing = true
			s.playStartedAt = s.clock.Now()
		case autoplay.Suppressed:
			logger.Debug("play suppressed until user gesture", logger.ErrorField(err))
		case autoplay.Failed:
			s.fail("play", err)
		}

	case !s.desiredPlaying && s.playing:
		if err := s.element.Pause(); err != nil {
			logger.Debug("pause failed", logger.ErrorField(err))
		}
		s.playing = false
		s.playStartedAt = time.Time{}
	}
}

// correctDrift 播放超过宽限期后，偏差大于阈值才跳转
func (s *Synchronizer) correctDrift() {
	if !s.playing || s.playStartedAt.IsZero() {
		return
	}
	now := s.clock.Now()
	if now.Sub(s.playStartedAt) <= s.opts.DriftGrace {
		return
	}
	expected := s.expectedProgress(now)
	local := s.element.Position()
	if absDuration(local-expected) <= s.opts.DriftThreshold {
		return
	}

	logger.Debug("correcting drift",
		logger.Duration("local", local),
		logger.Duration("expected", expected))
	if err := s.element.Seek(expected); err != nil {
		s.fail("seek", err)
	}
}

// align 开始播放前把位置对齐到上报进度，不受宽限期限制
func (s *Synchronizer) align() {
	if s.playback != Ready || s.playing {
		return
	}
	expected := s.expectedProgress(s.clock.Now())
	if absDuration(s.element.Position()-expected) <= s.opts.DriftThreshold {
		return
	}
	if err := s.element.Seek(expected); err != nil {
		logger.Debug("initial seek failed", logger.ErrorField(err))
	}
}

func (s *Synchronizer) applyMute() {
	muted := s.gate.EffectiveMuted()
	if muted == s.elementMuted {
		return
	}
	s.element.SetMuted(muted)
	s.elementMuted = muted
}

func (s *Synchronizer) fail(op string, err error) {
	perr := &PlaybackError{Op: op, Track: s.track, Err: err}
	s.playback = Failed
	s.playing = false
	s.playStartedAt = time.Time{}
	s.lastErr = perr
	logger.Warn("playback error", logger.ErrorField(perr))
	if stopErr := s.element.Stop(); stopErr != nil {
		logger.Debug("failed to stop element", logger.ErrorField(stopErr))
	}
	s.publish()
}

func (s *Synchronizer) unload() {
	if s.cancelResolve != nil {
		s.cancelResolve()
		s.cancelResolve = nil
	}
	if s.cancelLyrics != nil {
		s.cancelLyrics()
		s.cancelLyrics = nil
	}
	s.gen++
	if err := s.element.Stop(); err != nil {
		logger.Debug("failed to stop element", logger.ErrorField(err))
	}
	s.track = model.TrackRef{}
	s.playback = NoTrack
	s.playing = false
	s.playStartedAt = time.Time{}
	s.provider = ""
	s.lines = nil
	s.lyricIndex = -1
	s.lastErr = nil
}

// teardown 离开 Display 时停止播放并清除音源
func (s *Synchronizer) teardown() {
	s.unload()
	s.desiredPlaying = false
	s.publish()
}

// ========== 进度 ==========

// expectedProgress 上报进度按收到后经过的时间外推，播放中才外推
func (s *Synchronizer) expectedProgress(now time.Time) time.Duration {
	p := s.reported.Progress()
	if s.reported.IsPlaying && !s.reportedAt.IsZero() {
		p += now.Sub(s.reportedAt)
		if s.opts.LatencyCompensation && s.reported.SentAtMs > 0 {
			lat := s.reportedAt.Sub(s.reported.SentAt())
			if lat < 0 {
				lat = 0
			}
			if lat > maxLatencyComp {
				lat = maxLatencyComp
			}
			p += lat
		}
	}
	if d := model.SecondsToDuration(s.track.DurationSeconds); d > 0 && p > d {
		p = d
	}
	if p < 0 {
		p = 0
	}
	return p
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ========== 快照 ==========

func (s *Synchronizer) buildSnapshot() Snapshot {
	snap := Snapshot{
		Track:          s.track,
		Playback:       s.playback,
		Playing:        s.playing,
		DesiredPlaying: s.desiredPlaying,
		Unlocked:       s.gate.IsUnlocked(),
		Muted:          s.gate.EffectiveMuted(),
		Provider:       s.provider,
		LyricIndex:     s.lyricIndex,
	}
	if !s.track.IsZero() {
		snap.Progress = math.Round(s.expectedProgress(s.clock.Now()).Seconds()*10) / 10
	}
	if s.lyricIndex >= 0 && s.lyricIndex < len(s.lines) {
		snap.LyricLine = s.lines[s.lyricIndex].Text
	}
	if s.lastErr != nil {
		snap.Err = s.lastErr.Error()
	}
	return snap
}

func (s *Synchronizer) publish() {
	snap := s.buildSnapshot()
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}
