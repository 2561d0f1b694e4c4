package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/cache"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/dns"
	"github.com/hewenyu/service-registry/internal/health"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/registry"
	"github.com/hewenyu/service-registry/internal/registry/handler"
	"github.com/hewenyu/service-registry/internal/registry/service"
	serviceStore "github.com/hewenyu/service-registry/internal/store/service"
)

// App 持有注册中心的全部组件，负责按顺序启动和关闭
type App struct {
	cfg    *config.Config
	logger config.Logger

	store    serviceStore.Store
	cache    cache.HealthCache
	metrics  *metrics.Metrics
	monitor  *health.Monitor
	registry service.RegistryService
	server   *registry.Server
	dns      *dns.Server
}

// New 按配置创建所有组件，失败时释放已创建的连接
func New(ctx context.Context, cfg *config.Config, logger config.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := serviceStore.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}

	healthCache, err := cache.Open(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化健康缓存失败: %w", err)
	}

	m := metrics.New()
	prober := health.NewProber(cfg.ProbeTimeout(), cfg.Monitor.ProbeRate, m, logger)
	monitor := health.NewMonitor(store, healthCache, prober, m, logger, health.Options{
		Interval:    cfg.MonitorInterval(),
		CacheTTL:    cfg.CacheTTL(),
		Concurrency: cfg.Monitor.Concurrency,
		Workers:     cfg.Monitor.Workers,
		QueueSize:   cfg.Monitor.QueueSize,
	})

	reg := service.NewRegistryService(store, healthCache, monitor, m, logger, service.Options{
		HistoryWindow: cfg.HistoryWindow(),
		HistoryLimit:  cfg.History.Limit,
	})
	h := handler.NewRegistryHandler(reg, handler.APIKeyAuth(cfg.Auth.Header, handler.NewStaticKeyAuthorizer(cfg.Auth.APIKey)))

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cache:    healthCache,
		metrics:  m,
		monitor:  monitor,
		registry: reg,
	}
	a.server = registry.NewServer(cfg.Addr(), h, m, a.ready, logger)
	if cfg.DNS.Enabled {
		a.dns = dns.NewServer(dns.ConfigFrom(cfg), reg, logger.With(zap.String("component", "dns")))
	}

	// 启动时同步一次服务数量
	if n, err := store.Count(ctx); err == nil {
		m.SetServices(n)
	}
	return a, nil
}

// ready 报告存储是否可用
func (a *App) ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Start 启动HTTP服务、DNS服务和健康监控
func (a *App) Start(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}
	if a.dns != nil {
		if err := a.dns.Start(); err != nil {
			if serr := a.server.Shutdown(ctx); serr != nil {
				a.logger.Warn("关闭HTTP服务失败", zap.Error(serr))
			}
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}
	if err := a.monitor.Start(context.Background()); err != nil {
		a.shutdownServers(ctx)
		return fmt.Errorf("启动健康监控失败: %w", err)
	}

	a.logger.Info("服务注册中心已启动",
		zap.String("http_addr", a.server.Addr()),
		zap.String("store", a.cfg.Store.Driver),
		zap.String("cache", a.cfg.Cache.Driver),
		zap.Bool("dns", a.dns != nil))
	return nil
}

// shutdownServers 关闭已启动的HTTP和DNS服务，用于启动失败时回滚
func (a *App) shutdownServers(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("关闭HTTP服务失败", zap.Error(err))
	}
	if a.dns != nil {
		if err := a.dns.Stop(ctx); err != nil {
			a.logger.Warn("关闭DNS服务失败", zap.Error(err))
		}
	}
}

// Stop 先停止接收请求，再停止监控，最后关闭存储和缓存
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("关闭HTTP服务失败: %w", err))
	}
	if a.dns != nil {
		if err := a.dns.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.monitor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭健康缓存失败: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭存储失败: %w", err))
	}

	a.logger.Info("服务注册中心已停止")
	return errors.Join(errs...)
}

// HTTPAddr 返回HTTP服务实际监听的地址
func (a *App) HTTPAddr() string {
	return a.server.Addr()
}

// DNSAddr 返回DNS服务实际监听的地址，未启用时为空
func (a *App) DNSAddr() string {
	if a.dns == nil {
		return ""
	}
	return a.dns.Addr()
}

// Registry 返回注册中心业务接口
func (a *App) Registry() service.RegistryService {
	return a.registry
}
