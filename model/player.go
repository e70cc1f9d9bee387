package model

import "time"

// PlayerState is the only unit of synchronization between Controller and Display.
// Each message replaces the previous one wholesale; there are no sequence numbers.
type PlayerState struct {
	Track           TrackRef `json:"track"`
	IsPlaying       bool     `json:"isPlaying"`
	ProgressSeconds float64  `json:"progressSeconds"`
	SentAtMs        int64    `json:"sentAtMs"`
}

// SentAt converts SentAtMs to a time value.
func (s PlayerState) SentAt() time.Time {
	return time.UnixMilli(s.SentAtMs)
}

// Progress returns the reported progress as a duration.
func (s PlayerState) Progress() time.Duration {
	return SecondsToDuration(s.ProgressSeconds)
}

// AnnounceData Controller -> Display，"我在这里"
type AnnounceData struct {
	ControllerID string `json:"controllerId"`
	Name         string `json:"name,omitempty"`
}

// AckData Display -> Controller，握手完成
type AckData struct {
	DisplayID string `json:"displayId"`
	RoomCode  string `json:"roomCode"`
}

// SecondsToDuration converts fractional seconds.
func SecondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
