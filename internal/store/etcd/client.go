package etcd

import (
	"context"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/service-registry/internal/config"
)

// KeyValue etcd中的一条键值及其版本
type KeyValue struct {
	Key         string
	Value       []byte
	ModRevision int64
}

// Client 封装了etcd客户端
type Client struct {
	client *clientv3.Client
	cfg    *config.EtcdConfig
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg *config.EtcdConfig) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping 检查第一个节点是否可用
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if len(c.cfg.Endpoints) == 0 {
		return fmt.Errorf("未配置etcd节点")
	}
	if _, err := c.client.Status(ctx, c.cfg.Endpoints[0]); err != nil {
		return fmt.Errorf("etcd节点不可用 [%s]: %w", c.cfg.Endpoints[0], err)
	}
	return nil
}

// Get 获取键值，键不存在时返回nil
func (c *Client) Get(ctx context.Context, key string) (*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("etcd获取键值失败 [%s]: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil // 键不存在
	}

	kv := resp.Kvs[0]
	return &KeyValue{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision}, nil
}

// GetWithPrefix 按键升序获取指定前缀的所有键值
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) ([]*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("etcd获取前缀键值失败 [%s]: %w", prefix, err)
	}

	return toKeyValues(resp), nil
}

// GetRangeDesc 按键降序获取[from, 前缀末尾)范围内的键值，limit<=0表示不限制
func (c *Client) GetRangeDesc(ctx context.Context, prefix, from string, limit int64) ([]*KeyValue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	opts := []clientv3.OpOption{
		clientv3.WithRange(clientv3.GetPrefixRangeEnd(prefix)),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(limit))
	}

	resp, err := c.client.Get(ctx, from, opts...)
	if err != nil {
		return nil, fmt.Errorf("etcd范围查询失败 [%s]: %w", prefix, err)
	}

	return toKeyValues(resp), nil
}

// CountWithPrefix 统计指定前缀的键数量
func (c *Client) CountWithPrefix(ctx context.Context, prefix string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("etcd统计前缀键数量失败 [%s]: %w", prefix, err)
	}

	return resp.Count, nil
}

// Txn 执行一个事务，返回比较条件是否成立
func (c *Client) Txn(ctx context.Context, cmps []clientv3.Cmp, then []clientv3.Op, els []clientv3.Op) (*clientv3.TxnResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Txn(ctx).If(cmps...).Then(then...).Else(els...).Commit()
	if err != nil {
		return nil, fmt.Errorf("etcd事务执行失败: %w", err)
	}

	return resp, nil
}

func toKeyValues(resp *clientv3.GetResponse) []*KeyValue {
	result := make([]*KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result = append(result, &KeyValue{
			Key:         string(kv.Key),
			Value:       kv.Value,
			ModRevision: kv.ModRevision,
		})
	}
	return result
}
