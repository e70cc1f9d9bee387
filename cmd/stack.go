package cmd

import (
	"context"
	"fmt"
	"net"

	"QFMCast/cache"
	"QFMCast/config"
	"QFMCast/core/lyrics"
	"QFMCast/core/netease"
	"QFMCast/core/plugin"
	"QFMCast/db"
	"QFMCast/logger"
	"QFMCast/pubsub"
	"QFMCast/repository"
	"QFMCast/storage"

	"github.com/jonboulle/clockwork"
)

// newTransport 按配置选择消息传输
func newTransport(cfg *config.Config, name string) (pubsub.Transport, error) {
	switch cfg.Transport {
	case "memory":
		// 只在同一进程内可用，调试用
		return pubsub.NewMemoryHub(), nil
	case "redis":
		addr := net.JoinHostPort(cfg.RedisHost, cfg.RedisPort)
		return pubsub.NewRedisTransport(pubsub.DefaultRedisConfig(addr, cfg.RedisPassword, cfg.RedisDB))
	case "nats":
		return pubsub.NewNatsTransport(cfg.NatsURL, name)
	case "ws":
		return pubsub.NewWSTransport(cfg.RelayURL, cfg.RelayToken), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (memory, redis, nats, ws)", cfg.Transport)
	}
}

// stack 解析音源所需的外部依赖，Redis、MySQL、MinIO 都是可选的
type stack struct {
	cfg      *config.Config
	netease  *netease.Client
	resolver *plugin.Resolver
	chain    *config.ChainStore
	quality  string
	closers  []func() error
}

// buildStack 连接可用的外部服务并组装解析器。userID > 0 时从数据库读取该用户的音源链。
func buildStack(ctx context.Context, cfg *config.Config, userID int64) (*stack, error) {
	s := &stack{cfg: cfg, netease: netease.NewClient(cfg.NeteaseAPIURL)}

	chain, err := config.NewChainStore(cfg.ProviderChainFile, cfg.ProviderChain, cfg.StreamQuality)
	if err != nil {
		return nil, err
	}
	if err := chain.Watch(); err != nil {
		logger.Warn("无法监听音源链文件", logger.ErrorField(err))
	}
	s.chain = chain
	s.quality = chain.Quality()
	s.closers = append(s.closers, chain.Close)

	plugins := plugin.NewSourcePluginManager(plugin.NewNeteasePlugin(s.netease))
	var source plugin.ChainSource = chain
	opts := []plugin.ResolverOption{plugin.WithTimeout(cfg.ResolveTimeout)}

	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Warn("数据库不可用，跳过本地曲库", logger.ErrorField(err))
	} else {
		s.closers = append(s.closers, db.CloseGormDB)
		plugins.Register(plugin.NewLibraryPlugin(repository.NewGormTrackRepository(db.GormDB), cfg.Origin))
		if userID > 0 {
			fallback, _ := chain.ProviderChain(ctx)
			source = repository.NewUserChain(repository.NewGormSettingsRepository(db.GormDB), userID, fallback)
		}
	}

	if cfg.MinioEndpoint != "" {
		store, err := storage.InitMinio(ctx, cfg)
		if err != nil {
			logger.Warn("MinIO 不可用，跳过对象存储音源", logger.ErrorField(err))
		} else {
			plugins.Register(plugin.NewMinioPlugin(store, clockwork.NewRealClock()))
		}
	}

	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Warn("Redis 不可用，解析结果不缓存", logger.ErrorField(err))
	} else {
		s.closers = append(s.closers, cache.CloseRedis)
		opts = append(opts, plugin.WithCache(cache.NewStreamCache(), cfg.StreamCacheTTL))
	}

	s.resolver = plugin.NewResolver(plugins, source, opts...)
	logger.Info("音源解析器就绪", logger.Strings("sources", plugins.Sources()))
	return s, nil
}

// lyrics 歌词来源：先 LRCLIB，再网易云
func (s *stack) lyrics() lyrics.Fetcher {
	return lyrics.Chain{
		lyrics.NewLrclibClient(s.cfg.LrclibURL),
		lyrics.NewNeteaseFetcher(s.netease),
	}
}

// Close 按创建的逆序释放资源
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("关闭资源失败", logger.ErrorField(err))
		}
	}
}
