package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"QFMCast/core/netease"
	"QFMCast/logger"
)

// ErrNotFound 所有来源都没有歌词
var ErrNotFound = errors.New("lyrics: not found")

const defaultLrclibURL = "https://lrclib.net"

// Lyrics fetchLyrics 的结果，两个字段都可能为空
type Lyrics struct {
	Plain  string
	Synced string
	Source string
}

// Lines 解析后的时间轴歌词
func (l *Lyrics) Lines() []SyncedLine {
	if l == nil {
		return nil
	}
	return Parse(l.Synced)
}

// Fetcher 歌词来源
type Fetcher interface {
	FetchLyrics(ctx context.Context, artist, title string) (*Lyrics, error)
}

// ========== LRCLIB ==========

// LrclibClient lrclib.net /api/get
type LrclibClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLrclibClient 创建 LRCLIB 客户端
func NewLrclibClient(baseURL string) *LrclibClient {
	if baseURL == "" {
		baseURL = defaultLrclibURL
	}
	return &LrclibClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type lrclibResponse struct {
	ID           int64   `json:"id"`
	TrackName    string  `json:"trackName"`
	ArtistName   string  `json:"artistName"`
	Duration     float64 `json:"duration"`
	Instrumental bool    `json:"instrumental"`
	PlainLyrics  string  `json:"plainLyrics"`
	SyncedLyrics string  `json:"syncedLyrics"`
}

// FetchLyrics 查询 LRCLIB
func (c *LrclibClient) FetchLyrics(ctx context.Context, artist, title string) (*Lyrics, error) {
	if artist == "" || title == "" {
		return nil, fmt.Errorf("%w: empty artist or title", ErrNotFound)
	}

	query := url.Values{}
	query.Set("artist_name", artist)
	query.Set("track_name", title)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/get?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build http request: %w", err)
	}
	req.Header.Set("User-Agent", "qfmcast/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lrclib request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lrclib returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload lrclibResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode lrclib json: %w", err)
	}
	if payload.PlainLyrics == "" && payload.SyncedLyrics == "" {
		return nil, ErrNotFound
	}

	return &Lyrics{
		Plain:  payload.PlainLyrics,
		Synced: payload.SyncedLyrics,
		Source: "lrclib",
	}, nil
}

// ========== 网易云 ==========

// NeteaseFetcher 先搜索歌曲再取 /lyric
type NeteaseFetcher struct {
	client *netease.Client
}

// NewNeteaseFetcher 创建网易云歌词来源
func NewNeteaseFetcher(client *netease.Client) *NeteaseFetcher {
	return &NeteaseFetcher{client: client}
}

// FetchLyrics 实现 Fetcher
func (f *NeteaseFetcher) FetchLyrics(ctx context.Context, artist, title string) (*Lyrics, error) {
	song, err := f.client.FindSong(ctx, title, artist)
	if err != nil {
		if errors.Is(err, netease.ErrNoMatch) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	lyric, err := f.client.GetLyric(ctx, song.ID)
	if err != nil {
		return nil, err
	}
	if lyric.Lyric == "" {
		return nil, ErrNotFound
	}
	return &Lyrics{Synced: lyric.Lyric, Source: "netease"}, nil
}

// ========== Chain ==========

// Chain 依次尝试多个来源，第一个带时间轴的结果胜出。
// 只有纯文本的结果留作兜底，继续尝试后面的来源。
type Chain []Fetcher

// FetchLyrics 实现 Fetcher。全部失败时返回 ErrNotFound，调用方按空歌词处理。
func (c Chain) FetchLyrics(ctx context.Context, artist, title string) (*Lyrics, error) {
	var plain *Lyrics
	for _, f := range c {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lyr, err := f.FetchLyrics(ctx, artist, title)
		if err == nil && lyr != nil {
			if lyr.Synced != "" {
				return lyr, nil
			}
			if plain == nil && lyr.Plain != "" {
				plain = lyr
			}
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			logger.Debug("lyrics source failed",
				logger.String("artist", artist),
				logger.String("title", title),
				logger.ErrorField(err))
		}
	}
	if plain != nil {
		return plain, nil
	}
	return nil, ErrNotFound
}

// FetchSoft 吞掉所有错误，返回可能为空的歌词行
func FetchSoft(ctx context.Context, f Fetcher, artist, title string) []SyncedLine {
	if f == nil {
		return nil
	}
	lyr, err := f.FetchLyrics(ctx, artist, title)
	if err != nil {
		logger.Debug("lyrics unavailable",
			logger.String("artist", artist),
			logger.String("title", title),
			logger.ErrorField(err))
		return nil
	}
	return lyr.Lines()
}
