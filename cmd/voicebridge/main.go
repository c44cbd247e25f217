package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/voicebridge-ai/voicebridge/pkg/config"
	"github.com/voicebridge-ai/voicebridge/pkg/dialog"
	"github.com/voicebridge-ai/voicebridge/pkg/logging"
	"github.com/voicebridge-ai/voicebridge/pkg/server"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
)

// shutdownTimeout bounds the drain of live connections on SIGTERM.
const shutdownTimeout = 10 * time.Second

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := config.EnsureDirectories(cfg); err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.LogDir)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		logger.Warn("初始化追踪失败", zap.Error(err))
	}

	registry := dialog.NewRegistry()
	providers := dialog.NewFactory(cfg, logger)

	wsServer := server.NewWSServer(cfg, logger, registry, providers)
	httpServer := server.NewHTTPServer(cfg, logger, registry, providers)
	wsServer.Start()
	httpServer.Start()

	logger.Info("语音对话网关已启动",
		zap.Int("ws_port", cfg.Server.Port),
		zap.Int("http_port", cfg.Server.HTTPPort))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("收到退出信号, 开始关闭")
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	registry.CloseAll(shutdownCtx)
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("关闭 WebSocket 服务失败", zap.Error(err))
	}
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
	}
	if err := trace.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭追踪失败", zap.Error(err))
	}
	logger.Info("网关已退出")
}
