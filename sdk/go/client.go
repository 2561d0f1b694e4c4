package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultAPIKeyHeader 默认的API密钥请求头
const DefaultAPIKeyHeader = "X-API-Key"

// Config SDK客户端配置
type Config struct {
	// 注册中心地址，例如 http://localhost:8000
	ServerAddr string `json:"server_addr"`
	// API密钥，写操作需要
	APIKey string `json:"api_key"`
	// API密钥请求头，默认为 X-API-Key
	APIKeyHeader string `json:"api_key_header"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 网络错误时的重试次数
	RetryCount int `json:"retry_count"`
	// 保活注册间隔
	KeepaliveInterval time.Duration `json:"keepalive_interval"`
	// 日志，默认不输出
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config *Config
	http   *resty.Client
	logger *zap.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
	kept     *RegisterRequest
}

// APIError 表示注册中心返回的错误响应
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotFound 判断错误是否为服务不存在
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized 判断错误是否为鉴权失败
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// envelope 统一响应结构
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}

	// 设置默认值
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = DefaultAPIKeyHeader
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	addr := config.ServerAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(addr, "/")).
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(100 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if config.APIKey != "" {
		httpClient.SetHeader(config.APIKeyHeader, config.APIKey)
	}

	return &Client{
		config: config,
		http:   httpClient,
		logger: logger,
	}, nil
}

// do 发送请求并解析统一响应中的data字段
func do[T any](ctx context.Context, c *Client, method, path string, build func(*resty.Request)) (T, error) {
	var (
		zero   T
		result envelope[T]
		failed envelope[any]
	)

	req := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&failed)
	if build != nil {
		build(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	if resp.IsError() {
		msg := failed.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return zero, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return result.Data, nil
}

// Close 停止保活并注销保活中的服务
func (c *Client) Close(ctx context.Context) error {
	kept := c.StopKeepalive()
	if kept == nil {
		return nil
	}
	if err := c.Delete(ctx, kept.Name); err != nil && !IsNotFound(err) {
		return fmt.Errorf("注销服务失败: %w", err)
	}
	return nil
}
