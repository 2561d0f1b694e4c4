package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// MemoryCache 进程内的健康缓存
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// cacheEntry 表示缓存中的一条记录
type cacheEntry struct {
	health   model.Health
	expireAt time.Time
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// WithClock 替换时钟，用于测试过期逻辑
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Set 写入缓存项
func (c *MemoryCache) Set(_ context.Context, name string, health *model.Health, ttl time.Duration) error {
	if health == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = &cacheEntry{
		health:   *health,
		expireAt: c.now().Add(ttl),
	}
	return nil
}

// Get 读取未过期的缓存项
func (c *MemoryCache) Get(_ context.Context, name string) (*model.Health, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[name]
	if !found || !c.now().Before(entry.expireAt) {
		return nil, nil
	}

	health := entry.health
	return &health, nil
}

// Invalidate 删除缓存项
func (c *MemoryCache) Invalidate(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, name)
	return nil
}

// CleanupExpired 清理所有过期缓存
func (c *MemoryCache) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expireAt) {
			delete(c.entries, key)
		}
	}
}

// Len 返回缓存项数量，包括尚未清理的过期项
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// StartCleanupRoutine 启动定期清理过期缓存的协程，Close时退出
func (c *MemoryCache) StartCleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpired()
			case <-c.stop:
				return
			}
		}
	}()
}

// Close 停止清理协程
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}
