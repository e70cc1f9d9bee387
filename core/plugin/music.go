package plugin

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// StreamRequest 解析请求，(title, artist, quality) 三元组唯一确定一次解析
type StreamRequest struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Quality string `json:"quality"`
}

// Key 去重与缓存使用的键，大小写不敏感
func (r StreamRequest) Key() string {
	return strings.ToLower(strings.TrimSpace(r.Title)) + "\x00" +
		strings.ToLower(strings.TrimSpace(r.Artist)) + "\x00" +
		strings.ToLower(r.Quality)
}

// StreamResult 可播放的流地址
type StreamResult struct {
	URL      string `json:"streamUrl"`
	Provider string `json:"provider"`
	// ExpiresAt 预签名地址的过期时间，零值表示未知
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
}

// SourcePlugin 音源插件接口
// 没有匹配时返回 ErrNotFound，其他错误视为来源故障
type SourcePlugin interface {
	// GetSource 获取插件来源标识，与 ProviderChain 中的名字对应
	GetSource() string

	// ResolveStream 获取播放地址
	ResolveStream(ctx context.Context, req StreamRequest) (*StreamResult, error)
}

// SourcePluginManager 音源插件管理器
type SourcePluginManager struct {
	mu      sync.RWMutex
	plugins map[string]SourcePlugin
}

// NewSourcePluginManager 创建插件管理器
func NewSourcePluginManager(plugins ...SourcePlugin) *SourcePluginManager {
	m := &SourcePluginManager{
		plugins: make(map[string]SourcePlugin),
	}
	for _, p := range plugins {
		m.Register(p)
	}
	return m
}

// Register 注册插件，同名覆盖
func (m *SourcePluginManager) Register(plugin SourcePlugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[strings.ToLower(plugin.GetSource())] = plugin
}

// Get 获取指定来源的插件
func (m *SourcePluginManager) Get(source string) SourcePlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[strings.ToLower(source)]
}

// Sources 已注册的来源，按名字排序
func (m *SourcePluginManager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
