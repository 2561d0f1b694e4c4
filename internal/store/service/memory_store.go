package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// MemoryStore 基于内存的存储实现，进程退出后数据丢失
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*model.Service
	history  map[string][]*model.HealthCheckResult
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*model.Service),
		history:  make(map[string][]*model.HealthCheckResult),
	}
}

// Upsert 插入或更新服务
func (s *MemoryStore) Upsert(_ context.Context, svc *model.Service) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.services[svc.Name]
	if ok {
		svc.CreatedAt = existing.CreatedAt
	} else {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	s.services[svc.Name] = svc.Clone()

	return !ok, nil
}

// Get 获取服务
func (s *MemoryStore) Get(_ context.Context, name string) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.services[name].Clone(), nil
}

// Delete 删除服务及其健康历史
func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.services[name]
	delete(s.services, name)
	delete(s.history, name)
	return ok, nil
}

// List 返回满足条件的服务
func (s *MemoryStore) List(_ context.Context, filter model.ServiceFilter) ([]*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Service, 0, len(s.services))
	for _, svc := range s.services {
		if filter.Match(svc) {
			result = append(result, svc.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Count 返回服务数量
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.services), nil
}

// AppendHealth 追加探测结果
func (s *MemoryStore) AppendHealth(_ context.Context, result *model.HealthCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[result.ServiceName]; !ok {
		return model.NewNotFoundError("服务不存在: " + result.ServiceName)
	}

	r := *result
	rows := s.history[r.ServiceName]
	// 保持按CheckedAt升序
	i := sort.Search(len(rows), func(i int) bool { return rows[i].CheckedAt.After(r.CheckedAt) })
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = &r
	s.history[r.ServiceName] = rows
	return nil
}

// LatestHealth 返回最新的探测结果
func (s *MemoryStore) LatestHealth(_ context.Context, name string) (*model.HealthCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[name]
	if len(rows) == 0 {
		return nil, nil
	}
	r := *rows[len(rows)-1]
	return &r, nil
}

// QueryHealth 返回时间窗口内的探测结果
func (s *MemoryStore) QueryHealth(_ context.Context, name string, since time.Time, limit int) ([]*model.HealthCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.history[name]
	result := make([]*model.HealthCheckResult, 0)
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].CheckedAt.Before(since) {
			break
		}
		if limit > 0 && len(result) >= limit {
			break
		}
		r := *rows[i]
		result = append(result, &r)
	}
	return result, nil
}

// Ping 内存存储始终可用
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *MemoryStore) Close() error {
	return nil
}
