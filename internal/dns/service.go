package dns

import (
	"context"
	"time"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// Resolver 按名称查询服务及其健康状态
type Resolver interface {
	Get(ctx context.Context, name string) (*model.ServiceStatus, error)
}

// Config 定义DNS服务的配置项
type Config struct {
	// Addr 是DNS服务的监听地址，格式为 "ip:port"
	Addr string

	// Domain 是服务域名后缀
	Domain string

	// TTL 是DNS响应的存活时间
	TTL uint32

	// Timeout 是单次查询和上游转发的超时时间
	Timeout time.Duration

	// Upstream 是上游DNS服务器地址列表
	Upstream []string
}

// DefaultConfig 返回默认的DNS服务配置
func DefaultConfig() *Config {
	return &Config{
		Addr:    ":5353",
		Domain:  "registry.local",
		TTL:     30,
		Timeout: 5 * time.Second,
	}
}

// ConfigFrom 从全局配置构造DNS配置
func ConfigFrom(cfg *config.Config) *Config {
	c := DefaultConfig()
	if cfg.DNS.Addr != "" {
		c.Addr = cfg.DNS.Addr
	}
	if cfg.DNS.Domain != "" {
		c.Domain = cfg.DNS.Domain
	}
	if cfg.DNS.TTL > 0 {
		c.TTL = cfg.DNS.TTL
	}
	c.Upstream = cfg.DNS.Upstream
	return c
}
