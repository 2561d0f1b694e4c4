package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/store/etcd"
)

const (
	// 服务记录的前缀
	servicesSegment = "/services/"
	// 健康历史的前缀，键为 <prefix>/health/<name>/<检查时间纳秒>-<随机后缀>
	healthSegment = "/health/"
	// 乐观锁冲突时的最大重试次数
	maxTxnRetries = 5
)

// EtcdStore 基于etcd的存储实现
type EtcdStore struct {
	client *etcd.Client
	prefix string
}

// NewEtcdStore 创建基于etcd的存储
func NewEtcdStore(client *etcd.Client, prefix string) *EtcdStore {
	return &EtcdStore{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (s *EtcdStore) serviceKey(name string) string {
	return s.prefix + servicesSegment + name
}

func (s *EtcdStore) healthPrefix(name string) string {
	return s.prefix + healthSegment + name + "/"
}

// healthKey 以零填充的纳秒时间戳开头，键的字典序即时间顺序
func (s *EtcdStore) healthKey(name string, checkedAt time.Time) string {
	return s.healthPrefix(name) + encodeTimestamp(checkedAt) + "-" + uuid.NewString()[:8]
}

func encodeTimestamp(t time.Time) string {
	if t.Before(time.Unix(0, 0)) {
		return fmt.Sprintf("%020d", 0)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

// Upsert 插入或更新服务，通过版本号比较保证并发写入后只保留一个完整记录
func (s *EtcdStore) Upsert(ctx context.Context, svc *model.Service) (bool, error) {
	key := s.serviceKey(svc.Name)

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		kv, err := s.client.Get(ctx, key)
		if err != nil {
			return false, backendError("读取服务失败", err)
		}

		now := time.Now().UTC()
		record := svc.Clone()
		record.UpdatedAt = now

		var cmp clientv3.Cmp
		if kv == nil {
			record.CreatedAt = now
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		} else {
			var existing model.Service
			if err := json.Unmarshal(kv.Value, &existing); err != nil {
				return false, model.NewInternalError("反序列化服务信息失败", err)
			}
			record.CreatedAt = existing.CreatedAt
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return false, model.NewInternalError("序列化服务信息失败", err)
		}

		resp, err := s.client.Txn(ctx, []clientv3.Cmp{cmp}, []clientv3.Op{clientv3.OpPut(key, string(data))}, nil)
		if err != nil {
			return false, backendError("保存服务失败", err)
		}
		if resp.Succeeded {
			svc.CreatedAt, svc.UpdatedAt = record.CreatedAt, record.UpdatedAt
			return kv == nil, nil
		}
	}

	return false, backendError("保存服务失败", fmt.Errorf("服务 %s 并发写入冲突", svc.Name))
}

// Get 获取服务
func (s *EtcdStore) Get(ctx context.Context, name string) (*model.Service, error) {
	kv, err := s.client.Get(ctx, s.serviceKey(name))
	if err != nil {
		return nil, backendError("查询服务失败", err)
	}
	if kv == nil {
		return nil, nil
	}
	return decodeService(kv.Value)
}

// Delete 在一个事务中删除服务和它的健康历史
func (s *EtcdStore) Delete(ctx context.Context, name string) (bool, error) {
	resp, err := s.client.Txn(ctx, nil, []clientv3.Op{
		clientv3.OpDelete(s.serviceKey(name)),
		clientv3.OpDelete(s.healthPrefix(name), clientv3.WithPrefix()),
	}, nil)
	if err != nil {
		return false, backendError("删除服务失败", err)
	}

	deleted := resp.Responses[0].GetResponseDeleteRange()
	return deleted != nil && deleted.Deleted > 0, nil
}

// List 返回满足条件的服务，etcd按键排序即按名称排序
func (s *EtcdStore) List(ctx context.Context, filter model.ServiceFilter) ([]*model.Service, error) {
	kvs, err := s.client.GetWithPrefix(ctx, s.prefix+servicesSegment)
	if err != nil {
		return nil, backendError("查询服务列表失败", err)
	}

	result := make([]*model.Service, 0, len(kvs))
	for _, kv := range kvs {
		svc, err := decodeService(kv.Value)
		if err != nil {
			return nil, err
		}
		if filter.Match(svc) {
			result = append(result, svc)
		}
	}
	return result, nil
}

// Count 返回服务数量
func (s *EtcdStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.CountWithPrefix(ctx, s.prefix+servicesSegment)
	if err != nil {
		return 0, backendError("统计服务数量失败", err)
	}
	return int(n), nil
}

// AppendHealth 仅当服务仍存在时写入探测结果
func (s *EtcdStore) AppendHealth(ctx context.Context, result *model.HealthCheckResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return model.NewInternalError("序列化探测结果失败", err)
	}

	svcKey := s.serviceKey(result.ServiceName)
	resp, err := s.client.Txn(ctx,
		[]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(svcKey), ">", 0)},
		[]clientv3.Op{clientv3.OpPut(s.healthKey(result.ServiceName, result.CheckedAt), string(data))},
		nil)
	if err != nil {
		return backendError("写入健康历史失败", err)
	}
	if !resp.Succeeded {
		return model.NewNotFoundError("服务不存在: " + result.ServiceName)
	}
	return nil
}

// LatestHealth 返回最新的探测结果
func (s *EtcdStore) LatestHealth(ctx context.Context, name string) (*model.HealthCheckResult, error) {
	prefix := s.healthPrefix(name)
	kvs, err := s.client.GetRangeDesc(ctx, prefix, prefix, 1)
	if err != nil {
		return nil, backendError("查询最新健康状态失败", err)
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return decodeResult(kvs[0].Value)
}

// QueryHealth 返回时间窗口内的探测结果
func (s *EtcdStore) QueryHealth(ctx context.Context, name string, since time.Time, limit int) ([]*model.HealthCheckResult, error) {
	prefix := s.healthPrefix(name)
	kvs, err := s.client.GetRangeDesc(ctx, prefix, prefix+encodeTimestamp(since), int64(limit))
	if err != nil {
		return nil, backendError("查询健康历史失败", err)
	}

	result := make([]*model.HealthCheckResult, 0, len(kvs))
	for _, kv := range kvs {
		r, err := decodeResult(kv.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

// Ping 检查etcd是否可用
func (s *EtcdStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return backendError("etcd不可用", err)
	}
	return nil
}

// Close 关闭etcd连接
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func decodeService(data []byte) (*model.Service, error) {
	var svc model.Service
	if err := json.Unmarshal(data, &svc); err != nil {
		return nil, model.NewInternalError("反序列化服务信息失败", err)
	}
	if svc.Tags == nil {
		svc.Tags = []string{}
	}
	if svc.Metadata == nil {
		svc.Metadata = map[string]any{}
	}
	return &svc, nil
}

func decodeResult(data []byte) (*model.HealthCheckResult, error) {
	var r model.HealthCheckResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, model.NewInternalError("反序列化探测结果失败", err)
	}
	return &r, nil
}
