package service

import (
	"context"
	"fmt"
	"time"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/store/etcd"
)

// ServiceStore 表示服务记录存储接口
type ServiceStore interface {
	// Upsert 按名称插入或更新服务，已存在时保留CreatedAt，返回是否为新建。
	// 成功后svc的CreatedAt和UpdatedAt会被回填
	Upsert(ctx context.Context, svc *model.Service) (bool, error)

	// Get 获取服务，不存在时返回nil
	Get(ctx context.Context, name string) (*model.Service, error)

	// Delete 删除服务及其全部健康历史，返回服务是否存在
	Delete(ctx context.Context, name string) (bool, error)

	// List 按名称升序返回满足过滤条件的服务
	List(ctx context.Context, filter model.ServiceFilter) ([]*model.Service, error)

	// Count 返回已注册服务数量
	Count(ctx context.Context) (int, error)
}

// HistoryStore 表示健康历史存储接口
type HistoryStore interface {
	// AppendHealth 追加一条探测结果，服务不存在时返回NotFound
	AppendHealth(ctx context.Context, result *model.HealthCheckResult) error

	// LatestHealth 返回最新的探测结果，没有记录时返回nil
	LatestHealth(ctx context.Context, name string) (*model.HealthCheckResult, error)

	// QueryHealth 返回since之后的探测结果，按时间倒序，最多limit条
	QueryHealth(ctx context.Context, name string, since time.Time, limit int) ([]*model.HealthCheckResult, error)
}

// Store 注册中心的持久化存储
type Store interface {
	ServiceStore
	HistoryStore

	// Ping 检查存储是否可用
	Ping(ctx context.Context) error

	// Close 释放存储连接
	Close() error
}

// Open 按配置创建存储
func Open(ctx context.Context, cfg *config.Config, logger config.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverSQLite, config.StoreDriverPostgres:
		return OpenGormStore(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	case config.StoreDriverEtcd:
		client, err := etcd.NewClient(&cfg.Etcd)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return NewEtcdStore(client, cfg.Etcd.Prefix), nil
	case config.StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Store.Driver)
	}
}

func backendError(op string, err error) error {
	return model.NewBackendUnavailableError(op, err)
}
