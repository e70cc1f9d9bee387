package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"QFMCast/logger"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoProviders 链为空或者链里的名字都没有注册
	ErrNoProviders = errors.New("plugin: no usable providers in chain")
	// ErrNotFound 来源没有这首歌
	ErrNotFound = errors.New("plugin: track not found")
	// ErrInvalidRequest 缺少标题
	ErrInvalidRequest = errors.New("plugin: title is required")
)

const (
	defaultResolveTimeout = 15 * time.Second
	defaultCacheTTL       = 10 * time.Minute
	// 预签名地址在过期前留出余量
	expiryMargin = 30 * time.Second
)

// Attempt 一次来源尝试
type Attempt struct {
	Provider string
	Err      error
}

// ResolutionError 所有来源都失败
type ResolutionError struct {
	Request  StreamRequest
	Attempts []Attempt
}

func (e *ResolutionError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("no provider produced a stream for %q by %q [%s]",
		e.Request.Title, e.Request.Artist, strings.Join(parts, "; "))
}

// Unwrap 支持 errors.Is 检查每个来源的错误
func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ChainSource 提供用户配置的来源顺序。对解析器只读。
type ChainSource interface {
	ProviderChain(ctx context.Context) ([]string, error)
}

// StaticChain 固定的来源顺序
type StaticChain []string

// ProviderChain 实现 ChainSource
func (c StaticChain) ProviderChain(ctx context.Context) ([]string, error) {
	return append([]string(nil), c...), nil
}

// StreamCache 解析结果缓存
type StreamCache interface {
	GetStream(ctx context.Context, key string) (*StreamResult, error)
	SetStream(ctx context.Context, key string, result *StreamResult, ttl time.Duration) error
}

// Resolver 按 ProviderChain 顺序尝试来源，第一个成功的胜出
type Resolver struct {
	plugins  *SourcePluginManager
	chain    ChainSource
	cache    StreamCache
	cacheTTL time.Duration
	timeout  time.Duration
	clock    clockwork.Clock

	group singleflight.Group
}

// ResolverOption 配置项
type ResolverOption func(*Resolver)

// WithCache 启用结果缓存
func WithCache(cache StreamCache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithTimeout 单次解析（整条链）的超时
func WithTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithClock 注入时钟
func WithClock(clock clockwork.Clock) ResolverOption {
	return func(r *Resolver) {
		r.clock = clock
	}
}

// NewResolver 创建解析器
func NewResolver(plugins *SourcePluginManager, chain ChainSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		plugins:  plugins,
		chain:    chain,
		cacheTTL: defaultCacheTTL,
		timeout:  defaultResolveTimeout,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 解析播放地址。
// 相同 (title, artist, quality) 的并发请求共享一次解析；共享的解析在独立的 context 上运行，
// 调用方的 ctx 取消时只是停止等待，结果由仍在等待的调用方使用。
func (r *Resolver) Resolve(ctx context.Context, title, artist, quality string) (*StreamResult, error) {
	req := StreamRequest{Title: title, Artist: artist, Quality: quality}
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidRequest
	}
	key := req.Key()

	if r.cache != nil {
		if cached, err := r.cache.GetStream(ctx, key); err == nil && cached != nil {
			if cached.ExpiresAt.IsZero() || r.clock.Now().Add(expiryMargin).Before(cached.ExpiresAt) {
				res := *cached
				res.Cached = true
				return &res, nil
			}
		}
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.resolveChain(wctx, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*StreamResult)
		return &out, nil
	}
}

func (r *Resolver) resolveChain(ctx context.Context, req StreamRequest) (*StreamResult, error) {
	names, err := r.chain.ProviderChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider chain: %w", err)
	}

	var attempts []Attempt
	for _, name := range names {
		p := r.plugins.Get(name)
		if p == nil {
			logger.Debug("skipping unknown provider", logger.String("provider", name))
			continue
		}
		if ctx.Err() != nil {
			attempts = append(attempts, Attempt{Provider: name, Err: ctx.Err()})
			break
		}

		start := r.clock.Now()
		res, err := p.ResolveStream(ctx, req)
		if err == nil && (res == nil || res.URL == "") {
			err = ErrNotFound
		}
		if err != nil {
			logger.Debug("provider failed",
				logger.String("provider", name),
				logger.String("title", req.Title),
				logger.String("artist", req.Artist),
				logger.ErrorField(err))
			attempts = append(attempts, Attempt{Provider: name, Err: err})
			continue
		}

		res.Provider = name
		logger.Info("stream resolved",
			logger.String("provider", name),
			logger.String("title", req.Title),
			logger.String("artist", req.Artist),
			logger.String("quality", req.Quality),
			logger.Duration("elapsed", r.clock.Since(start)))
		r.store(ctx, req.Key(), res)
		return res, nil
	}

	if len(attempts) == 0 {
		return nil, ErrNoProviders
	}
	return nil, &ResolutionError{Request: req, Attempts: attempts}
}

func (r *Resolver) store(ctx context.Context, key string, res *StreamResult) {
	if r.cache == nil {
		return
	}
	ttl := r.cacheTTL
	if !res.ExpiresAt.IsZero() {
		if left := res.ExpiresAt.Sub(r.clock.Now()) - expiryMargin; left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	if err := r.cache.SetStream(ctx, key, res, ttl); err != nil {
		logger.Warn("failed to cache stream", logger.ErrorField(err))
	}
}
