package model

import (
	"strings"
	"time"
)

// TrackRef describes what should be playing. It is a value: copy it, never mutate a shared one.
type TrackRef struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist"`
	Album           string  `json:"album,omitempty"`
	CoverURL        string  `json:"coverUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// IsZero reports whether no track is set.
func (t TrackRef) IsZero() bool {
	return t.ID == "" && t.Title == "" && t.Artist == ""
}

// SameTrack compares identity only. Metadata such as the cover URL may differ between
// two messages about the same track.
func (t TrackRef) SameTrack(other TrackRef) bool {
	if t.ID != "" || other.ID != "" {
		return t.ID == other.ID
	}
	return strings.EqualFold(t.Title, other.Title) && strings.EqualFold(t.Artist, other.Artist)
}

// LibraryTrack 曲库中的一首歌，library 音源按标题和歌手查找
type LibraryTrack struct {
	ID              int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          int64     `json:"userId" gorm:"index"`
	Title           string    `json:"title" gorm:"size:255;index:idx_title_artist"`
	Artist          string    `json:"artist" gorm:"size:255;index:idx_title_artist"`
	Album           string    `json:"album" gorm:"size:255"`
	StreamURL       string    `json:"streamUrl" gorm:"size:500"`       // 直接可播放的地址
	HLSPlaylistPath string    `json:"hlsPlaylistPath" gorm:"size:500"` // 相对路径，由 origin 拼接
	Quality         string    `json:"quality" gorm:"size:20;default:'standard'"`
	Duration        float32   `json:"duration"` // 秒
	State           int8      `json:"state" gorm:"default:1"` // 0=软删除, 1=正常
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (LibraryTrack) TableName() string {
	return "library_tracks"
}
