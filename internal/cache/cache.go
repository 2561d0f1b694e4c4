package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// KeyPrefix 缓存键前缀，完整的键为 health:<服务名>
const KeyPrefix = "health:"

// HealthCache 服务最新健康信息的短期缓存
type HealthCache interface {
	// Set 覆盖服务的缓存项，ttl后过期
	Set(ctx context.Context, name string, health *model.Health, ttl time.Duration) error

	// Get 返回未过期的缓存项，未命中时返回nil
	Get(ctx context.Context, name string) (*model.Health, error)

	// Invalidate 删除服务的缓存项
	Invalidate(ctx context.Context, name string) error

	// Close 释放缓存连接
	Close() error
}

// Key 返回服务的缓存键
func Key(name string) string {
	return KeyPrefix + name
}

// Open 按配置创建缓存
func Open(ctx context.Context, cfg *config.Config, logger config.Logger) (HealthCache, error) {
	switch cfg.Cache.Driver {
	case config.CacheDriverRedis:
		return NewRedisCache(ctx, cfg.Cache.Redis.URL, logger)
	case config.CacheDriverMemory:
		c := NewMemoryCache()
		c.StartCleanupRoutine(cfg.CacheTTL())
		return c, nil
	default:
		return nil, fmt.Errorf("不支持的缓存驱动: %s", cfg.Cache.Driver)
	}
}
