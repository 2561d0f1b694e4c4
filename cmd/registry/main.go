package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/app"
	"github.com/hewenyu/service-registry/internal/config"
)

const version = "0.1.0"

var (
	configFile      string
	shutdownTimeout time.Duration
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "优雅关闭的最长等待时间")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Service Registry Starting...",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.Int("check_interval", cfg.Monitor.Interval))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("初始化服务注册中心失败", zap.Error(err))
	}

	if err := a.Start(context.Background()); err != nil {
		logger.Fatal("启动服务注册中心失败", zap.Error(err))
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		logger.Error("关闭服务注册中心失败", zap.Error(err))
		os.Exit(1)
	}
}
