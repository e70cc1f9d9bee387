package room

import (
	"time"

	"QFMCast/model"
)

// ConnectionState Display 端连接状态
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	AwaitingPairing
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case AwaitingPairing:
		return "awaiting_pairing"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Pairing Display 端的握手状态。
// 没有超时：收不到 announce 就一直停留在 AwaitingPairing。
// 不是并发安全的，由 Display 的事件循环独占。
type Pairing struct {
	code         string
	state        ConnectionState
	controllerID string
	pairedAt     time.Time
	announces    int
}

// NewPairing 创建握手状态
func NewPairing(code string) *Pairing {
	return &Pairing{code: code}
}

// Code 房间码
func (p *Pairing) Code() string { return p.code }

// State 当前连接状态
func (p *Pairing) State() ConnectionState { return p.state }

// ControllerID 最近一次 announce 的 Controller
func (p *Pairing) ControllerID() string { return p.controllerID }

// PairedAt 首次配对时间
func (p *Pairing) PairedAt() time.Time { return p.pairedAt }

// Announces 收到的 announce 总数
func (p *Pairing) Announces() int { return p.announces }

// Open Disconnected -> AwaitingPairing，在订阅主题后立即调用
func (p *Pairing) Open() {
	if p.state == Disconnected {
		p.state = AwaitingPairing
	}
}

// HandleAnnounce 处理 announce。重复 announce 只更新发送方，不会回退状态。
// 返回值表示状态或 Controller 是否发生变化。调用方每次都应回复 ack。
func (p *Pairing) HandleAnnounce(data model.AnnounceData, now time.Time) bool {
	if p.state == Disconnected {
		return false
	}
	p.announces++

	changed := false
	if p.state != Connected {
		p.state = Connected
		p.pairedAt = now
		changed = true
	}
	// 同一房间只有一个 Controller 发布，后来者覆盖
	if data.ControllerID != "" && data.ControllerID != p.controllerID {
		p.controllerID = data.ControllerID
		changed = true
	}
	return changed
}

// Close 离开 Display 视图
func (p *Pairing) Close() {
	p.state = Disconnected
}
