package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/registry/handler"
)

// ReadinessFunc 检查依赖是否可用
type ReadinessFunc func(ctx context.Context) error

// Server 表示注册中心的HTTP API服务
type Server struct {
	e        *echo.Echo
	addr     string
	listener net.Listener
	logger   config.Logger
}

// NewServer 创建HTTP API服务
func NewServer(addr string, h *handler.RegistryHandler, m *metrics.Metrics, ready ReadinessFunc, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(metrics.Middleware(m))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))

	e.GET("/health", healthHandler(ready))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	h.RegisterRoutes(e)

	return &Server{
		e:      e,
		addr:   addr,
		logger: logger,
	}
}

// healthHandler 返回自身健康状态
func healthHandler(ready ReadinessFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready != nil {
			if err := ready(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status":  "unhealthy",
					"service": "service-registry",
					"error":   err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "service-registry",
		})
	}
}

// Handler 返回HTTP处理器，便于测试
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 监听端口并以非阻塞方式启动服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.addr, err)
	}
	s.listener = ln
	s.e.Listener = ln

	s.logger.Info("HTTP API服务启动", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API服务异常退出", zap.Error(err))
		}
	}()

	return nil
}

// Addr 返回实际监听的地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
