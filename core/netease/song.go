package netease

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"QFMCast/logger"
)

var (
	// ErrNoMatch 搜索没有结果
	ErrNoMatch = errors.New("netease: no matching song")
	// ErrNoURL 歌曲存在但没有可用地址，通常是版权限制
	ErrNoURL = errors.New("netease: song url unavailable")
)

// Song 搜索结果中的一首歌
type Song struct {
	ID         int64
	Name       string
	Artists    []string
	Album      string
	CoverURL   string
	DurationMs int
}

// ArtistNames 以逗号连接的艺术家
func (s Song) ArtistNames() string {
	return strings.Join(s.Artists, ",")
}

// Level 将播放质量映射到 /song/url/v1 的 level 参数
func Level(quality string) string {
	switch strings.ToLower(quality) {
	case "standard", "higher", "exhigh", "lossless", "hires":
		return strings.ToLower(quality)
	case "low":
		return "standard"
	case "high":
		return "exhigh"
	default:
		return "exhigh"
	}
}

// SearchSongs 搜索歌曲
func (c *Client) SearchSongs(ctx context.Context, keyword string, limit int) ([]Song, error) {
	params := url.Values{}
	params.Set("keywords", keyword)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("type", "1")

	var result struct {
		Result struct {
			Songs []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
				Ar   []struct {
					Name string `json:"name"`
				} `json:"ar"`
				Al struct {
					Name   string `json:"name"`
					PicURL string `json:"picUrl"`
				} `json:"al"`
				Dt int `json:"dt"`
			} `json:"songs"`
		} `json:"result"`
		Code int `json:"code"`
	}
	if err := c.getJSON(ctx, "/cloudsearch?"+params.Encode(), &result); err != nil {
		return nil, err
	}
	if result.Code != 200 {
		return nil, fmt.Errorf("API返回错误 (code: %d)", result.Code)
	}

	songs := make([]Song, 0, len(result.Result.Songs))
	for _, s := range result.Result.Songs {
		song := Song{
			ID:         s.ID,
			Name:       s.Name,
			Album:      s.Al.Name,
			CoverURL:   s.Al.PicURL,
			DurationMs: s.Dt,
		}
		for _, a := range s.Ar {
			song.Artists = append(song.Artists, a.Name)
		}
		songs = append(songs, song)
	}
	logger.Debug("netease search finished",
		logger.String("keyword", keyword),
		logger.Int("count", len(songs)))
	return songs, nil
}

// FindSong 按 title + artist 搜索，优先返回艺术家匹配的结果
func (c *Client) FindSong(ctx context.Context, title, artist string) (*Song, error) {
	keyword := strings.TrimSpace(title + " " + artist)
	songs, err := c.SearchSongs(ctx, keyword, 10)
	if err != nil {
		return nil, err
	}
	if len(songs) == 0 {
		return nil, ErrNoMatch
	}

	want := strings.ToLower(strings.TrimSpace(artist))
	if want != "" {
		for i := range songs {
			for _, a := range songs[i].Artists {
				if strings.ToLower(a) == want {
					return &songs[i], nil
				}
			}
		}
	}
	return &songs[0], nil
}

// GetSongURL 获取歌曲URL
func (c *Client) GetSongURL(ctx context.Context, songID int64, level string) (string, error) {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(songID, 10))
	params.Set("level", level)

	var result struct {
		Data []struct {
			ID  int64  `json:"id"`
			URL string `json:"url"`
		} `json:"data"`
		Code int    `json:"code"`
		Msg  string `json:"msg,omitempty"`
	}
	if err := c.getJSON(ctx, "/song/url/v1?"+params.Encode(), &result); err != nil {
		return "", err
	}

	// 检查API返回码
	if result.Code != 200 {
		return "", fmt.Errorf("API返回错误: %s (code: %d)", result.Msg, result.Code)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		return "", fmt.Errorf("%w (id: %d)", ErrNoURL, songID)
	}
	return result.Data[0].URL, nil
}
