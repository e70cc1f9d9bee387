package repository

import (
	"context"
	"strings"

	"QFMCast/model"

	"gorm.io/gorm"
)

// TrackRepository 曲库数据访问接口
type TrackRepository interface {
	Create(ctx context.Context, track *model.LibraryTrack) error
	GetByID(ctx context.Context, id int64) (*model.LibraryTrack, error)
	// FindPlayable 按标题和歌手（大小写不敏感）查找有播放地址的歌曲，没有时返回 nil, nil
	FindPlayable(ctx context.Context, title, artist string) (*model.LibraryTrack, error)
	SoftDelete(ctx context.Context, id int64) error
}

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 曲库仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// Create 添加歌曲
func (r *gormTrackRepository) Create(ctx context.Context, track *model.LibraryTrack) error {
	return r.db.WithContext(ctx).Create(track).Error
}

// GetByID 根据ID获取歌曲
func (r *gormTrackRepository) GetByID(ctx context.Context, id int64) (*model.LibraryTrack, error) {
	var track model.LibraryTrack
	err := r.db.WithContext(ctx).
		Where("id = ? AND state = ?", id, 1).
		First(&track).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// FindPlayable 精确匹配标题，歌手为空时不参与过滤
func (r *gormTrackRepository) FindPlayable(ctx context.Context, title, artist string) (*model.LibraryTrack, error) {
	q := r.db.WithContext(ctx).
		Where("LOWER(title) = ? AND state = ?", strings.ToLower(strings.TrimSpace(title)), 1).
		Where("(stream_url <> '' OR hls_playlist_path <> '')")
	if artist = strings.TrimSpace(artist); artist != "" {
		q = q.Where("LOWER(artist) = ?", strings.ToLower(artist))
	}

	var track model.LibraryTrack
	err := q.Order("updated_at DESC").First(&track).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

// SoftDelete 软删除
func (r *gormTrackRepository) SoftDelete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&model.LibraryTrack{}).
		Where("id = ?", id).
		Update("state", 0).Error
}
