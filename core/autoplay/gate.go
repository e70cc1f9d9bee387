// Package autoplay models the rule that audio may only start after a user gesture.
package autoplay

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLocked play 在解锁前被拦截
var ErrLocked = errors.New("autoplay: audio is locked until a user gesture")

// State 音频解锁状态
type State int32

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Outcome 播放尝试的结果，区分有意的抑制与真正的失败
type Outcome int

const (
	OK Outcome = iota
	Suppressed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Suppressed:
		return "suppressed"
	default:
		return "failed"
	}
}

// Gate 单向 Locked -> Unlocked。解锁后静音是独立的开关。
type Gate struct {
	state atomic.Int32
	muted atomic.Bool

	once     sync.Once
	unlocked chan struct{}
}

// NewGate 创建处于 Locked 状态的 Gate
func NewGate() *Gate {
	return &Gate{unlocked: make(chan struct{})}
}

// NewUnlockedGate 用于没有自动播放限制的宿主
func NewUnlockedGate() *Gate {
	g := NewGate()
	g.Unlock()
	return g
}

// Unlock 必须在用户交互的处理函数里同步调用。返回本次调用是否完成了状态切换。
func (g *Gate) Unlock() bool {
	if !g.state.CompareAndSwap(int32(Locked), int32(Unlocked)) {
		return false
	}
	g.once.Do(func() { close(g.unlocked) })
	return true
}

// State 当前状态
func (g *Gate) State() State {
	return State(g.state.Load())
}

// IsUnlocked 是否已解锁
func (g *Gate) IsUnlocked() bool {
	return g.State() == Unlocked
}

// Unlocked 解锁时关闭
func (g *Gate) Unlocked() <-chan struct{} {
	return g.unlocked
}

// SetMuted 设置用户静音开关，只在解锁后生效
func (g *Gate) SetMuted(muted bool) {
	g.muted.Store(muted)
}

// ToggleMute 切换静音，返回新的值
func (g *Gate) ToggleMute() bool {
	for {
		old := g.muted.Load()
		if g.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// EffectiveMuted 锁定时始终静音
func (g *Gate) EffectiveMuted() bool {
	return !g.IsUnlocked() || g.muted.Load()
}

// Muted 用户设置的静音开关
func (g *Gate) Muted() bool {
	return g.muted.Load()
}

// Play 在 Gate 之后尝试播放。锁定时不调用 play，返回 Suppressed 和 ErrLocked。
func (g *Gate) Play(play func() error) (Outcome, error) {
	if !g.IsUnlocked() {
		return Suppressed, ErrLocked
	}
	if err := play(); err != nil {
		return Failed, err
	}
	return OK, nil
}
