package display

import (
	"context"
	"errors"
	"testing"
	"time"

	"QFMCast/core/autoplay"
	"QFMCast/core/lyrics"
	"QFMCast/model"
	"QFMCast/pubsub"

	"github.com/jonboulle/clockwork"
)

var (
	trackA = model.TrackRef{ID: "a", Title: "晴天", Artist: "周杰伦", DurationSeconds: 269}
	trackB = model.TrackRef{ID: "b", Title: "七里香", Artist: "周杰伦", DurationSeconds: 299}
)

type harness struct {
	s        *Synchronizer
	el       *fakeElement
	resolver *fakeResolver
	gate     *autoplay.Gate
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T, unlocked bool, opts Options) *harness {
	t.Helper()
	h := &harness{
		el: &fakeElement{},
		resolver: newFakeResolver(map[string]string{
			trackA.Title: "http://cdn/a.mp3",
			trackB.Title: "http://cdn/b.mp3",
		}),
		clock: clockwork.NewFakeClock(),
	}
	if unlocked {
		h.gate = autoplay.NewUnlockedGate()
	} else {
		h.gate = autoplay.NewGate()
	}
	opts.Clock = h.clock
	h.s = NewSynchronizer(h.el, h.resolver, h.gate, opts)
	return h
}

func (h *harness) state(track model.TrackRef, playing bool, progress float64) {
	h.s.handleState(model.PlayerState{
		Track:           track,
		IsPlaying:       playing,
		ProgressSeconds: progress,
		SentAtMs:        h.clock.Now().UnixMilli(),
	})
}

// nextResolved 读取下一个解析结果并交给同步器
func (h *harness) nextResolved(t *testing.T) resolveResult {
	t.Helper()
	select {
	case res := <-h.s.resolved:
		h.s.handleResolved(res)
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no resolution result")
	}
	return resolveResult{}
}

func TestSynchronizer_LoadAndPlay(t *testing.T) {
	h := newHarness(t, true, Options{})

	h.state(trackA, true, 0)
	if snap := h.s.Snapshot(); snap.Playback != Loading {
		t.Fatalf("playback = %s, want loading", snap.Playback)
	}

	h.nextResolved(t)
	snap := h.s.Snapshot()
	if snap.Playback != Ready || !snap.Playing || snap.Provider != "netease" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	loaded, _, plays, playing, muted := h.el.state()
	if len(loaded) != 1 || loaded[0] != "http://cdn/a.mp3" || plays != 1 || !playing || muted {
		t.Fatalf("element loaded=%v plays=%d playing=%v muted=%v", loaded, plays, playing, muted)
	}
}

func TestSynchronizer_InitialAlignment(t *testing.T) {
	h := newHarness(t, true, Options{})

	// Controller 已经播放到 60 秒，本地加载后从 0 开始
	h.state(trackA, true, 60)
	h.nextResolved(t)

	_, seeks, _, _, _ := h.el.state()
	if len(seeks) != 1 || seeks[0] != 60*time.Second {
		t.Fatalf("seeks = %v, want [60s]", seeks)
	}
}

func TestSynchronizer_DriftCorrection(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		wantSeek bool
	}{
		{"grace window elapsed", 6 * time.Second, true},
		{"inside grace window", 2 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, Options{})
			h.state(trackA, true, 0)
			h.nextResolved(t)

			h.clock.Advance(tt.elapsed)
			h.el.setPos(10 * time.Second)
			h.state(trackA, true, 15)

			_, seeks, _, _, _ := h.el.state()
			if tt.wantSeek {
				if len(seeks) != 1 || seeks[0] != 15*time.Second {
					t.Fatalf("seeks = %v, want [15s]", seeks)
				}
			} else if len(seeks) != 0 {
				t.Fatalf("seeks = %v, want none", seeks)
			}
		})
	}
}

func TestSynchronizer_SmallDriftIgnored(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.clock.Advance(10 * time.Second)
	h.el.setPos(13 * time.Second)
	h.state(trackA, true, 15)

	if _, seeks, _, _, _ := h.el.state(); len(seeks) != 0 {
		t.Fatalf("seeks = %v, 2s drift must be left alone", seeks)
	}
}

func TestSynchronizer_IdenticalMessagesAreIdempotent(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.clock.Advance(6 * time.Second)
	h.el.setPos(10 * time.Second)

	h.state(trackA, true, 15)
	h.state(trackA, true, 15)

	loaded, seeks, plays, _, _ := h.el.state()
	if len(loaded) != 1 {
		t.Fatalf("loaded = %v, identical messages must not reload", loaded)
	}
	if len(seeks) != 1 {
		t.Fatalf("seeks = %v, second identical message must not seek", seeks)
	}
	if plays != 1 {
		t.Fatalf("plays = %d", plays)
	}
	if h.resolver.callCount(trackA.Title) != 1 {
		t.Fatalf("resolve calls = %d", h.resolver.callCount(trackA.Title))
	}
}

func TestSynchronizer_LatestTrackWins(t *testing.T) {
	h := newHarness(t, true, Options{})
	releaseA := h.resolver.gate(trackA.Title)

	h.state(trackA, true, 0)
	h.state(trackB, true, 0)

	// B 先完成
	res := h.nextResolved(t)
	if res.track.ID != "b" {
		t.Fatalf("first result = %s, want b", res.track.ID)
	}

	// A 迟到的结果必须丢弃
	close(releaseA)
	res = h.nextResolved(t)
	if res.track.ID != "a" {
		t.Fatalf("second result = %s, want a", res.track.ID)
	}

	loaded, _, _, _, _ := h.el.state()
	if len(loaded) != 1 || loaded[0] != "http://cdn/b.mp3" {
		t.Fatalf("loaded = %v, stale result applied", loaded)
	}
	if snap := h.s.Snapshot(); snap.Track.ID != "b" || snap.Playback != Ready {
		t.Fatalf("snapshot %+v", snap)
	}
	if !h.resolver.wasCanceled(trackA.Title) {
		t.Fatal("superseded resolution should have been canceled")
	}
}

func TestSynchronizer_StaleResultWhileLoading(t *testing.T) {
	h := newHarness(t, true, Options{})
	releaseA := h.resolver.gate(trackA.Title)
	releaseB := h.resolver.gate(trackB.Title)

	h.state(trackA, true, 0)
	h.state(trackB, true, 0)

	close(releaseA)
	h.nextResolved(t)
	if snap := h.s.Snapshot(); snap.Playback != Loading || snap.Track.ID != "b" {
		t.Fatalf("snapshot %+v, want loading b", snap)
	}
	if loaded, _, _, _, _ := h.el.state(); len(loaded) != 0 {
		t.Fatalf("loaded = %v", loaded)
	}

	close(releaseB)
	h.nextResolved(t)
	if loaded, _, _, _, _ := h.el.state(); len(loaded) != 1 || loaded[0] != "http://cdn/b.mp3" {
		t.Fatalf("loaded = %v", loaded)
	}
}

func TestSynchronizer_SlowLoadIsSuperseded(t *testing.T) {
	h := newHarness(t, true, Options{})
	releaseA := h.el.block("http://cdn/a.mp3")
	defer close(releaseA)

	h.state(trackA, true, 0)
	waitFor(t, "load of a", func() bool { return h.el.loadStarted("http://cdn/a.mp3") })

	// A 仍在下载，B 立即开始解析和加载
	h.state(trackB, true, 0)
	for i := 0; i < 2; i++ {
		h.nextResolved(t)
	}
	if n := h.resolver.callCount(trackB.Title); n != 1 {
		t.Fatalf("resolve calls for b = %d, want 1", n)
	}

	loaded, _, plays, playing, _ := h.el.state()
	if len(loaded) != 1 || loaded[0] != "http://cdn/b.mp3" {
		t.Fatalf("loaded = %v, want only b", loaded)
	}
	if plays != 1 || !playing {
		t.Fatalf("plays=%d playing=%v", plays, playing)
	}
	if snap := h.s.Snapshot(); snap.Track.ID != "b" || snap.Playback != Ready || snap.Err != "" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSynchronizer_RunStaysResponsiveDuringLoad(t *testing.T) {
	h := newHarness(t, false, Options{})
	releaseA := h.el.block("http://cdn/a.mp3")
	defer close(releaseA)

	msgs := make(chan *pubsub.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, msgs, nil) }()

	send := func(track model.TrackRef) {
		msg, _ := pubsub.NewMessage(pubsub.MsgTypePlayerState, "controller-1", model.PlayerState{Track: track, IsPlaying: true})
		msgs <- msg
	}

	send(trackA)
	waitFor(t, "load of a", func() bool { return h.el.loadStarted("http://cdn/a.mp3") })

	// 加载期间解锁和换歌都要被处理
	h.s.Unlock()
	send(trackB)
	waitFor(t, "b ready", func() bool {
		snap := h.s.Snapshot()
		return snap.Track.ID == "b" && snap.Playback == Ready && snap.Playing
	})

	if loaded, _, _, _, _ := h.el.state(); len(loaded) != 1 || loaded[0] != "http://cdn/b.mp3" {
		t.Fatalf("loaded = %v, want only b", loaded)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestSynchronizer_AutoplayGate(t *testing.T) {
	h := newHarness(t, false, Options{})

	h.state(trackA, true, 0)
	h.nextResolved(t)

	snap := h.s.Snapshot()
	if snap.Playback != Ready || snap.Playing || !snap.DesiredPlaying || !snap.Muted {
		t.Fatalf("locked snapshot %+v", snap)
	}
	if snap.Err != "" {
		t.Fatalf("suppressed play must not surface an error: %s", snap.Err)
	}
	if _, _, plays, _, muted := h.el.state(); plays != 0 || !muted {
		t.Fatalf("plays=%d muted=%v while locked", plays, muted)
	}

	// 用户点击
	if !h.s.Unlock() {
		t.Fatal("Unlock() should transition")
	}
	h.s.handleUnlock()

	_, _, plays, playing, muted := h.el.state()
	if plays != 1 || !playing || muted {
		t.Fatalf("after unlock plays=%d playing=%v muted=%v", plays, playing, muted)
	}

	// 之后状态驱动的 play 也能成功
	h.state(trackA, false, 3)
	h.state(trackA, true, 3)
	if _, _, plays, playing, _ := h.el.state(); plays != 2 || !playing {
		t.Fatalf("plays=%d playing=%v", plays, playing)
	}
}

func TestSynchronizer_MuteAfterUnlock(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.s.SetMuted(true)
	<-h.s.muteCh
	h.s.applyMute()
	if _, _, _, playing, muted := h.el.state(); !muted || !playing {
		t.Fatalf("muted=%v playing=%v", muted, playing)
	}
	if h.gate.State() != autoplay.Unlocked {
		t.Fatal("mute must not relock")
	}
}

func TestSynchronizer_PauseMirroring(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.state(trackA, false, 4)
	if _, _, _, playing, _ := h.el.state(); playing {
		t.Fatal("element should be paused")
	}
	if snap := h.s.Snapshot(); snap.ReadyState() != "paused" {
		t.Fatalf("ready state = %s", snap.ReadyState())
	}
}

func TestSynchronizer_Unavailable(t *testing.T) {
	h := newHarness(t, true, Options{})
	missing := model.TrackRef{ID: "x", Title: "不存在", Artist: "nobody"}

	h.state(missing, true, 0)
	h.nextResolved(t)

	snap := h.s.Snapshot()
	if snap.Playback != Unavailable || snap.Err == "" {
		t.Fatalf("snapshot %+v", snap)
	}

	// 周期性重复的消息不会立即重试
	h.clock.Advance(time.Second)
	h.state(missing, true, 1)
	if n := h.resolver.callCount(missing.Title); n != 1 {
		t.Fatalf("resolve calls = %d, want 1", n)
	}

	h.clock.Advance(defaultUnavailableTTL)
	h.state(missing, true, 31)
	if n := h.resolver.callCount(missing.Title); n != 2 {
		t.Fatalf("resolve calls = %d, want 2", n)
	}
	h.nextResolved(t)
}

func TestSynchronizer_LoadFailure(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.el.loadErr = errBoom

	h.state(trackA, true, 0)
	h.nextResolved(t)

	snap := h.s.Snapshot()
	if snap.Playback != Failed || snap.Err == "" {
		t.Fatalf("snapshot %+v", snap)
	}
	var perr *PlaybackError
	if !errors.As(h.s.lastErr, &perr) || perr.Op != "load" || !errors.Is(perr, errBoom) {
		t.Fatalf("lastErr = %v", h.s.lastErr)
	}

	// 同一首歌不自动重试，换歌后恢复
	h.state(trackA, true, 5)
	if n := h.resolver.callCount(trackA.Title); n != 1 {
		t.Fatalf("resolve calls = %d", n)
	}
	h.el.loadErr = nil
	h.state(trackB, true, 0)
	h.nextResolved(t)
	if snap := h.s.Snapshot(); snap.Playback != Ready || snap.Err != "" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSynchronizer_PlayFailureIsPlaybackError(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.el.playErr = errBoom

	h.state(trackA, true, 0)
	h.nextResolved(t)

	var perr *PlaybackError
	if !errors.As(h.s.lastErr, &perr) || perr.Op != "play" {
		t.Fatalf("lastErr = %v", h.s.lastErr)
	}
}

func TestSynchronizer_EmptyTrackUnloads(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.state(model.TrackRef{}, false, 0)
	if snap := h.s.Snapshot(); snap.Playback != NoTrack || snap.Playing {
		t.Fatalf("snapshot %+v", snap)
	}
	if h.el.stops == 0 {
		t.Fatal("element should be stopped")
	}
}

func TestSynchronizer_LatencyCompensation(t *testing.T) {
	h := newHarness(t, true, Options{LatencyCompensation: true})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	h.clock.Advance(10 * time.Second)
	h.el.setPos(10 * time.Second)
	// 消息在 1.5 秒前发出
	h.s.handleState(model.PlayerState{
		Track:           trackA,
		IsPlaying:       true,
		ProgressSeconds: 14,
		SentAtMs:        h.clock.Now().Add(-1500 * time.Millisecond).UnixMilli(),
	})

	_, seeks, _, _, _ := h.el.state()
	if len(seeks) != 1 || seeks[0] != 15500*time.Millisecond {
		t.Fatalf("seeks = %v, want [15.5s]", seeks)
	}
}

type stubLyrics struct{ synced string }

func (s stubLyrics) FetchLyrics(ctx context.Context, artist, title string) (*lyrics.Lyrics, error) {
	if s.synced == "" {
		return nil, lyrics.ErrNotFound
	}
	return &lyrics.Lyrics{Synced: s.synced}, nil
}

func TestSynchronizer_Lyrics(t *testing.T) {
	h := newHarness(t, true, Options{Lyrics: stubLyrics{synced: "[00:02.00]第一句\n[00:05.00]第二句"}})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	select {
	case res := <-h.s.lyricsCh:
		h.s.handleLyrics(res)
	case <-time.After(2 * time.Second):
		t.Fatal("no lyrics result")
	}
	if snap := h.s.Snapshot(); snap.LyricIndex != -1 {
		t.Fatalf("lyric index = %d before first line", snap.LyricIndex)
	}

	h.clock.Advance(3 * time.Second)
	h.s.handleTick()
	if snap := h.s.Snapshot(); snap.LyricIndex != 0 || snap.LyricLine != "第一句" {
		t.Fatalf("snapshot %+v", snap)
	}

	h.clock.Advance(3 * time.Second)
	h.s.handleTick()
	if snap := h.s.Snapshot(); snap.LyricLine != "第二句" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSynchronizer_MissingLyricsAreSoft(t *testing.T) {
	h := newHarness(t, true, Options{Lyrics: stubLyrics{}})
	h.state(trackA, true, 0)
	h.nextResolved(t)

	res := <-h.s.lyricsCh
	h.s.handleLyrics(res)
	if snap := h.s.Snapshot(); snap.LyricIndex != -1 || snap.Err != "" || snap.Playback != Ready {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestSynchronizer_RunTeardown(t *testing.T) {
	h := newHarness(t, true, Options{SelfID: "display-1"})
	msgs := make(chan *pubsub.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, msgs, nil) }()

	// 自己的回声被忽略
	echo, _ := pubsub.NewMessage(pubsub.MsgTypePlayerState, "display-1", model.PlayerState{Track: trackB, IsPlaying: true})
	msgs <- echo
	msg, _ := pubsub.NewMessage(pubsub.MsgTypePlayerState, "controller-1", model.PlayerState{Track: trackA, IsPlaying: true})
	msgs <- msg

	deadline := time.Now().Add(2 * time.Second)
	for h.s.Snapshot().Playback != Ready {
		if time.Now().After(deadline) {
			t.Fatalf("never became ready: %+v", h.s.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.resolver.callCount(trackB.Title) != 0 {
		t.Fatal("echo should have been dropped")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	snap := h.s.Snapshot()
	if snap.Playback != NoTrack || snap.Playing {
		t.Fatalf("snapshot after teardown %+v", snap)
	}
	if _, _, _, playing, _ := h.el.state(); playing {
		t.Fatal("audio leaked after teardown")
	}
}

func TestSynchronizer_RunClosedChannel(t *testing.T) {
	h := newHarness(t, true, Options{})
	msgs := make(chan *pubsub.Message)
	close(msgs)

	if err := h.s.Run(context.Background(), msgs, nil); !errors.Is(err, pubsub.ErrClosed) {
		t.Fatalf("Run() = %v, want ErrClosed", err)
	}
}
