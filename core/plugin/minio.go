package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrObjectNotFound 对象不存在，由 ObjectStore 实现返回
var ErrObjectNotFound = errors.New("plugin: object not found")

const presignTTL = time.Hour

// ObjectStore 对象存储，由 storage 包实现
type ObjectStore interface {
	StatObject(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// MinioPlugin 对象存储音源，约定路径 library/<artist>/<title>.<ext>
type MinioPlugin struct {
	store      ObjectStore
	extensions []string
	clock      clockwork.Clock
}

// NewMinioPlugin 创建对象存储插件
func NewMinioPlugin(store ObjectStore, clock clockwork.Clock) *MinioPlugin {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MinioPlugin{
		store:      store,
		extensions: []string{"mp3", "flac", "m4a"},
		clock:      clock,
	}
}

// GetSource 返回插件来源标识
func (p *MinioPlugin) GetSource() string {
	return "minio"
}

// ObjectKey 对象路径，去掉路径分隔符
func ObjectKey(artist, title, ext string) string {
	clean := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.ReplaceAll(s, "/", "_")
		return strings.ReplaceAll(s, "\\", "_")
	}
	if artist == "" {
		artist = "unknown"
	}
	return fmt.Sprintf("library/%s/%s.%s", clean(artist), clean(title), ext)
}

// ResolveStream 依次检查各扩展名，存在则预签名
func (p *MinioPlugin) ResolveStream(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	for _, ext := range p.extensions {
		key := ObjectKey(req.Artist, req.Title, ext)
		if err := p.store.StatObject(ctx, key); err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			return nil, fmt.Errorf("检查对象失败: %w", err)
		}

		url, err := p.store.PresignGet(ctx, key, presignTTL)
		if err != nil {
			return nil, fmt.Errorf("生成预签名地址失败: %w", err)
		}
		return &StreamResult{URL: url, ExpiresAt: p.clock.Now().Add(presignTTL)}, nil
	}
	return nil, ErrNotFound
}
