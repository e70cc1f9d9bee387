package repository

import (
	"context"
	"fmt"

	"QFMCast/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsRepository 播放设置数据访问接口。设置页面写入，解析器只读。
type SettingsRepository interface {
	Get(ctx context.Context, userID int64) (*model.PlaybackSettings, error)
	Save(ctx context.Context, settings *model.PlaybackSettings) error
}

// gormSettingsRepository GORM 实现
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewGormSettingsRepository 创建 GORM 设置仓库
func NewGormSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// Get 获取用户设置，没有时返回 nil, nil
func (r *gormSettingsRepository) Get(ctx context.Context, userID int64) (*model.PlaybackSettings, error) {
	var settings model.PlaybackSettings
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &settings, nil
}

// Save 插入或更新
func (r *gormSettingsRepository) Save(ctx context.Context, settings *model.PlaybackSettings) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"provider_chain", "quality", "updated_at"}),
		}).
		Create(settings).Error
}

// ========== ProviderChain ==========

// UserChain 把某个用户的设置适配为解析器的 ChainSource
type UserChain struct {
	repo     SettingsRepository
	userID   int64
	fallback []string
}

// NewUserChain 用户没有保存设置时使用 fallback
func NewUserChain(repo SettingsRepository, userID int64, fallback []string) *UserChain {
	return &UserChain{repo: repo, userID: userID, fallback: fallback}
}

// ProviderChain 每次请求读取一次快照
func (c *UserChain) ProviderChain(ctx context.Context) ([]string, error) {
	settings, err := c.repo.Get(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load playback settings: %w", err)
	}
	if settings == nil || len(settings.ProviderChain) == 0 {
		return append([]string(nil), c.fallback...), nil
	}
	return append([]string(nil), settings.ProviderChain...), nil
}
