package plugin

import (
	"context"
	"errors"
	"fmt"

	"QFMCast/core/netease"
	"QFMCast/logger"
)

// NeteasePlugin 网易云音乐音源
type NeteasePlugin struct {
	client *netease.Client
}

// NewNeteasePlugin 创建网易云音乐插件
func NewNeteasePlugin(client *netease.Client) *NeteasePlugin {
	return &NeteasePlugin{client: client}
}

// GetSource 返回插件来源标识
func (p *NeteasePlugin) GetSource() string {
	return "netease"
}

// ResolveStream 搜索歌曲后获取对应 level 的播放地址
func (p *NeteasePlugin) ResolveStream(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	song, err := p.client.FindSong(ctx, req.Title, req.Artist)
	if err != nil {
		if errors.Is(err, netease.ErrNoMatch) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("搜索失败: %w", err)
	}

	level := netease.Level(req.Quality)
	url, err := p.client.GetSongURL(ctx, song.ID, level)
	if err != nil {
		if errors.Is(err, netease.ErrNoURL) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("获取播放地址失败: %w", err)
	}

	logger.Debug("[NeteasePlugin] 获取播放地址",
		logger.Int64("songID", song.ID),
		logger.String("level", level))
	return &StreamResult{URL: url}, nil
}
