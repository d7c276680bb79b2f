// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/api"
	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers"
	"github.com/Corphon/SceneWeaver/internal/telemetry"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// 推理网关：把本进程的模型运行时通过远程驱动协议暴露出去
func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		utils.GetLogger().Fatal("加载配置失败", zap.Error(err))
	}
	if err := cfg.EnsureDirs(); err != nil {
		utils.GetLogger().Fatal("创建目录失败", zap.Error(err))
	}

	// 2. 日志与追踪
	logger, err := utils.InitLogger(utils.LogOptions{File: cfg.LogFile, Level: cfg.LogLevel, Debug: cfg.Debug})
	if err != nil {
		utils.GetLogger().Fatal("初始化日志失败", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	tracing, err := telemetry.Setup(context.Background(), telemetry.Options{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "sceneweaver-gateway",
	})
	if err != nil {
		logger.Fatal("初始化追踪失败", zap.Error(err))
	}

	// 3. 模型运行时
	backend, err := providers.NewBackend(llm.LocalDriver{Runtime: cfg.Runtime, ModelPath: cfg.RuntimeModel}, logger)
	if err != nil {
		logger.Fatal("加载模型运行时失败", zap.Error(err), zap.String("runtime", cfg.Runtime))
	}
	logger.Info("模型运行时已加载",
		zap.String("runtime", cfg.Runtime),
		zap.String("model", cfg.RuntimeModel))

	// 4. 路由
	metrics := utils.GetMetricsCollector()
	gw := api.NewGateway(backend, logger, metrics)
	router := api.SetupRouter(gw, api.RouterOptions{
		Debug:             cfg.Debug,
		Logger:            logger,
		Metrics:           metrics,
		SessionsPerMinute: cfg.SessionsPerMinute,
	})

	// 5. 启动
	logger.Info("网关启动", zap.String("addr", cfg.GatewayAddr))
	setupGracefulShutdown(router, cfg.GatewayAddr, logger)

	if err := backend.Close(); err != nil {
		logger.Warn("关闭模型运行时失败", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing(ctx); err != nil {
		logger.Warn("刷新追踪数据失败", zap.Error(err))
	}
}

// 优雅关闭函数
func setupGracefulShutdown(handler http.Handler, addr string, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在新的 goroutine 中启动服务器
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("启动服务器失败", zap.Error(err))
		}
	}()

	// 等待中断信号以进行优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭", zap.Error(err))
		return
	}

	logger.Info("服务器优雅关闭完成")
}
