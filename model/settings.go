package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ProviderList 自定义类型用于 GORM JSON 字段的自动扫描
type ProviderList []string

// Scan 实现 sql.Scanner 接口
func (p *ProviderList) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*p = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*p = nil
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Value 实现 driver.Valuer 接口
func (p ProviderList) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// PlaybackSettings 用户的播放设置，音源顺序由设置页面维护
type PlaybackSettings struct {
	UserID        int64        `json:"userId" gorm:"primaryKey"`
	ProviderChain ProviderList `json:"providerChain" gorm:"type:json"`
	Quality       string       `json:"quality" gorm:"size:20;default:'exhigh'"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// TableName 指定表名
func (PlaybackSettings) TableName() string {
	return "playback_settings"
}
