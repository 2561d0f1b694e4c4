package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	sdk "github.com/hewenyu/service-registry/sdk/go"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	// 配置SDK客户端
	client, err := sdk.NewClient(&sdk.Config{
		ServerAddr:        "http://localhost:8000",
		APIKey:            "default_api_key",
		Timeout:           5 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("创建SDK客户端失败", zap.Error(err))
	}

	// 注册服务并保持注册
	ctx := context.Background()
	req := &sdk.RegisterRequest{
		Name:           "example-service",
		Host:           "127.0.0.1",
		Port:           9000,
		HealthCheckURL: "http://127.0.0.1:9000/health",
		Tags:           []string{"example", "sdk"},
		Metadata:       map[string]any{"version": "1.0.0"},
	}
	if err := client.StartKeepalive(ctx, req); err != nil {
		logger.Fatal("服务注册失败", zap.Error(err))
	}
	logger.Info("服务注册成功", zap.String("service", req.Name))

	services, err := client.List(ctx, &sdk.ListOptions{Tags: []string{"example"}})
	if err == nil {
		for _, svc := range services {
			logger.Info("已注册服务", zap.String("service", svc.Name), zap.String("status", svc.Status))
		}
	}

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("关闭SDK客户端失败", zap.Error(err))
	}
}
