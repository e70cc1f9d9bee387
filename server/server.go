package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"QFMCast/config"
	"QFMCast/logger"

	"github.com/gorilla/mux"
)

// NewRouter 创建 relay 路由
func NewRouter(ctx context.Context, hub *RelayHub, cfg *config.Config) *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	handler := NewRelayHandler(ctx, hub, cfg.Origin)
	RegisterRelayRoutes(router, handler, AuthMiddleware(cfg.RelayJWTSecret))
	return router
}

// Start 启动 relay 服务，收到中断信号后优雅关闭
func Start(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewRelayHub()
	go hub.Run()
	defer hub.Stop()

	// 设置服务器超时。WebSocket 连接被接管后不受 WriteTimeout 影响。
	server := &http.Server{
		Addr:         cfg.RelayAddr,
		Handler:      NewRouter(ctx, hub, cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting",
			logger.String("addr", cfg.RelayAddr),
			logger.String("origin", cfg.Origin),
			logger.Bool("auth", cfg.RelayJWTSecret != ""))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中断信号
	select {
	case <-stop:
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}
	logger.Info("shutting down relay")

	// 创建一个5秒超时的上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// 优雅关闭服务器
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
