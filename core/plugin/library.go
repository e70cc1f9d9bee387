package plugin

import (
	"context"
	"fmt"
	"strings"

	"QFMCast/model"
)

// TrackFinder 曲库查询，由 repository 实现
type TrackFinder interface {
	FindPlayable(ctx context.Context, title, artist string) (*model.LibraryTrack, error)
}

// LibraryPlugin 用户自己上传的曲库
type LibraryPlugin struct {
	tracks TrackFinder
	origin string // HLS 相对路径拼接的前缀
}

// NewLibraryPlugin 创建曲库插件
func NewLibraryPlugin(tracks TrackFinder, origin string) *LibraryPlugin {
	return &LibraryPlugin{
		tracks: tracks,
		origin: strings.TrimRight(origin, "/"),
	}
}

// GetSource 返回插件来源标识
func (p *LibraryPlugin) GetSource() string {
	return "library"
}

// ResolveStream 优先直接的流地址，其次 HLS 播放列表
func (p *LibraryPlugin) ResolveStream(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	track, err := p.tracks.FindPlayable(ctx, req.Title, req.Artist)
	if err != nil {
		return nil, fmt.Errorf("查询曲库失败: %w", err)
	}
	if track == nil {
		return nil, ErrNotFound
	}

	if track.StreamURL != "" {
		return &StreamResult{URL: track.StreamURL}, nil
	}
	if track.HLSPlaylistPath != "" {
		path := track.HLSPlaylistPath
		if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
			return &StreamResult{URL: path}, nil
		}
		return &StreamResult{URL: p.origin + "/" + strings.TrimLeft(path, "/")}, nil
	}
	return nil, fmt.Errorf("%w: track %d has no playable source", ErrNotFound, track.ID)
}
