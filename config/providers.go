package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"QFMCast/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ProviderChainFile 音源链配置文件格式
//
//	providers: [netease, library, minio]
//	quality: exhigh
type ProviderChainFile struct {
	Providers []string `yaml:"providers"`
	Quality   string   `yaml:"quality"`
}

// ChainStore 持有用户配置的音源顺序，文件变更时自动重新加载。
// 解析器只读取快照，不修改它。
type ChainStore struct {
	mu       sync.RWMutex
	path     string
	chain    []string
	quality  string
	fallback ProviderChainFile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewChainStore 创建音源链存储。path 为空时只使用 fallback。
func NewChainStore(path string, fallback []string, fallbackQuality string) (*ChainStore, error) {
	s := &ChainStore{
		path: path,
		fallback: ProviderChainFile{
			Providers: append([]string(nil), fallback...),
			Quality:   fallbackQuality,
		},
	}
	s.apply(s.fallback)

	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseProviderChain 解析 YAML 内容，去掉空白与重复项
func ParseProviderChain(data []byte) (*ProviderChainFile, error) {
	var file ProviderChainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider chain: %w", err)
	}

	seen := make(map[string]bool, len(file.Providers))
	providers := make([]string, 0, len(file.Providers))
	for _, p := range file.Providers {
		name := strings.ToLower(strings.TrimSpace(p))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		providers = append(providers, name)
	}
	file.Providers = providers
	file.Quality = strings.TrimSpace(file.Quality)
	return &file, nil
}

// Reload 重新读取配置文件
func (s *ChainStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read provider chain file: %w", err)
	}
	file, err := ParseProviderChain(data)
	if err != nil {
		return err
	}
	if len(file.Providers) == 0 {
		file.Providers = s.fallback.Providers
	}
	if file.Quality == "" {
		file.Quality = s.fallback.Quality
	}
	s.apply(*file)

	logger.Info("音源链已加载",
		logger.String("path", s.path),
		logger.String("providers", strings.Join(file.Providers, ",")),
		logger.String("quality", file.Quality))
	return nil
}

func (s *ChainStore) apply(file ProviderChainFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = append([]string(nil), file.Providers...)
	s.quality = file.Quality
}

// ProviderChain 返回当前音源链的副本
func (s *ChainStore) ProviderChain(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.chain...), nil
}

// Quality 返回默认音质
func (s *ChainStore) Quality() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

// Watch 监听配置文件所在目录。编辑器通常以重命名方式保存文件，所以监听目录而不是文件本身。
func (s *ChainStore) Watch() error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *ChainStore) watchLoop() {
	target := filepath.Clean(s.path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				// 保留上一次成功加载的音源链
				logger.Warn("重新加载音源链失败", logger.ErrorField(err))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("音源链文件监听错误", logger.ErrorField(err))
		case <-s.done:
			return
		}
	}
}

// Close 停止文件监听
func (s *ChainStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}
