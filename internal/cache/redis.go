package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
)

// RedisCache 基于Redis的健康缓存，过期由Redis的TTL负责
type RedisCache struct {
	rdb *goredis.Client
}

// NewRedisCache 按URL连接Redis，例如 redis://localhost:6379/1
func NewRedisCache(ctx context.Context, url string, logger config.Logger) (*RedisCache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("解析Redis地址失败: %w", err)
	}

	c := NewRedisCacheFromClient(goredis.NewClient(opts))
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("Redis已连接", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return c, nil
}

// NewRedisCacheFromClient 使用已有的客户端创建缓存
func NewRedisCacheFromClient(rdb *goredis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Ping 检查Redis是否可用
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return model.NewBackendUnavailableError("Redis不可用", err)
	}
	return nil
}

// Set 写入缓存项
func (c *RedisCache) Set(ctx context.Context, name string, health *model.Health, ttl time.Duration) error {
	data, err := json.Marshal(health)
	if err != nil {
		return model.NewInternalError("序列化健康信息失败", err)
	}
	if err := c.rdb.Set(ctx, Key(name), data, ttl).Err(); err != nil {
		return model.NewBackendUnavailableError("写入健康缓存失败", err)
	}
	return nil
}

// Get 读取缓存项
func (c *RedisCache) Get(ctx context.Context, name string) (*model.Health, error) {
	data, err := c.rdb.Get(ctx, Key(name)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewBackendUnavailableError("读取健康缓存失败", err)
	}

	var health model.Health
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, model.NewInternalError("反序列化健康信息失败", err)
	}
	return &health, nil
}

// Invalidate 删除缓存项
func (c *RedisCache) Invalidate(ctx context.Context, name string) error {
	if err := c.rdb.Del(ctx, Key(name)).Err(); err != nil {
		return model.NewBackendUnavailableError("删除健康缓存失败", err)
	}
	return nil
}

// Close 关闭Redis连接
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
