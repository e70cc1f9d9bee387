package display

import (
	"context"
	"errors"
	"sync"
	"time"

	"QFMCast/core/plugin"
)

type fakeElement struct {
	mu      sync.Mutex
	loaded  []string
	started []string
	pos     time.Duration
	playing bool
	muted   bool
	seeks   []time.Duration
	plays   int
	stops   int
	loadErr error
	playErr error
	// blocks 中的地址在 Load 里阻塞，直到 channel 关闭或 ctx 取消
	blocks map[string]chan struct{}
}

// block 让该地址的 Load 像慢速下载一样阻塞
func (e *fakeElement) block(url string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.blocks == nil {
		e.blocks = map[string]chan struct{}{}
	}
	ch := make(chan struct{})
	e.blocks[url] = ch
	return ch
}

func (e *fakeElement) loadStarted(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.started {
		if u == url {
			return true
		}
	}
	return false
}

func (e *fakeElement) Load(ctx context.Context, url string) error {
	e.mu.Lock()
	e.started = append(e.started, url)
	wait := e.blocks[url]
	e.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded = append(e.loaded, url)
	e.pos = 0
	e.playing = false
	return nil
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.plays++
	e.playing = true
	return nil
}

func (e *fakeElement) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
	return nil
}

func (e *fakeElement) Seek(pos time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, pos)
	e.pos = pos
	return nil
}

func (e *fakeElement) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *fakeElement) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

func (e *fakeElement) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.playing = false
	return nil
}

func (e *fakeElement) setPos(pos time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos = pos
}

func (e *fakeElement) state() (loaded []string, seeks []time.Duration, plays int, playing, muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loaded...), append([]time.Duration(nil), e.seeks...), e.plays, e.playing, e.muted
}

// fakeResolver 按标题返回地址；gates 中的标题会阻塞到对应 channel 关闭
type fakeResolver struct {
	mu       sync.Mutex
	urls     map[string]string
	gates    map[string]chan struct{}
	calls    map[string]int
	canceled map[string]bool
}

func newFakeResolver(urls map[string]string) *fakeResolver {
	return &fakeResolver{
		urls:     urls,
		gates:    map[string]chan struct{}{},
		calls:    map[string]int{},
		canceled: map[string]bool{},
	}
}

func (r *fakeResolver) gate(title string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[title] = ch
	return ch
}

func (r *fakeResolver) Resolve(ctx context.Context, title, artist, quality string) (*plugin.StreamResult, error) {
	r.mu.Lock()
	r.calls[title]++
	gate := r.gates[title]
	url, ok := r.urls[title]
	r.mu.Unlock()

	if gate != nil {
		// 模拟不理会取消的慢来源
		<-gate
	}

	r.mu.Lock()
	r.canceled[title] = ctx.Err() != nil
	r.mu.Unlock()

	if !ok {
		return nil, &plugin.ResolutionError{Attempts: []plugin.Attempt{{Provider: "netease", Err: plugin.ErrNotFound}}}
	}
	return &plugin.StreamResult{URL: url, Provider: "netease"}, nil
}

func (r *fakeResolver) callCount(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[title]
}

func (r *fakeResolver) wasCanceled(title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled[title]
}

var errBoom = errors.New("boom")
