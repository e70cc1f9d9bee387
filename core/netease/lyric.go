package netease

import (
	"context"
	"fmt"
	"strconv"
)

// Lyric 歌词信息
type Lyric struct {
	SongID     int64
	Lyric      string // 原歌词，LRC 格式
	TransLyric string // 翻译歌词
}

// GetLyric 获取歌词
func (c *Client) GetLyric(ctx context.Context, songID int64) (*Lyric, error) {
	var result struct {
		Lrc struct {
			Lyric string `json:"lyric"`
		} `json:"lrc"`
		Tlyric struct {
			Lyric string `json:"lyric"`
		} `json:"tlyric"`
		Code int `json:"code"`
	}

	if err := c.getJSON(ctx, "/lyric?id="+strconv.FormatInt(songID, 10), &result); err != nil {
		return nil, err
	}
	if result.Code != 200 {
		return nil, fmt.Errorf("API返回错误 (code: %d)", result.Code)
	}

	return &Lyric{
		SongID:     songID,
		Lyric:      result.Lrc.Lyric,
		TransLyric: result.Tlyric.Lyric,
	}, nil
}
