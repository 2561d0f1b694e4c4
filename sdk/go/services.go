package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RegisterRequest 服务注册请求
type RegisterRequest struct {
	Name           string         `json:"name"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Path           string         `json:"path,omitempty"`
	HealthCheckURL string         `json:"health_check_url,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RegisterResult 注册结果，Created区分首次注册和更新
type RegisterResult struct {
	Name      string    `json:"name"`
	Created   bool      `json:"created"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service 服务及其当前健康状态
type Service struct {
	Name           string         `json:"name"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Path           string         `json:"path"`
	HealthCheckURL string         `json:"health_check_url,omitempty"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Status         string         `json:"status"`
	LastCheck      *time.Time     `json:"last_check,omitempty"`
	ResponseTime   *float64       `json:"response_time,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ListOptions 服务列表过滤条件
type ListOptions struct {
	Tags        []string
	NamePattern string
	Status      string
}

// HealthCheck 单次健康检查记录
type HealthCheck struct {
	ServiceName  string    `json:"service_name"`
	Status       string    `json:"status"`
	ResponseTime *float64  `json:"response_time,omitempty"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// HealthHistory 健康历史
type HealthHistory struct {
	Service string         `json:"service"`
	History []*HealthCheck `json:"history"`
	Count   int            `json:"count"`
}

type serviceList struct {
	Services []*Service `json:"services"`
	Count    int        `json:"count"`
}

// Register 注册或更新服务
func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	return do[*RegisterResult](ctx, c, http.MethodPost, "/api/v1/services", func(r *resty.Request) {
		r.SetBody(req)
	})
}

// Get 查询单个服务
func (c *Client) Get(ctx context.Context, name string) (*Service, error) {
	return do[*Service](ctx, c, http.MethodGet, "/api/v1/services/"+url.PathEscape(name), nil)
}

// List 按条件查询服务列表
func (c *Client) List(ctx context.Context, opts *ListOptions) ([]*Service, error) {
	list, err := do[*serviceList](ctx, c, http.MethodGet, "/api/v1/services", func(r *resty.Request) {
		if opts == nil {
			return
		}
		q := url.Values{}
		for _, tag := range opts.Tags {
			q.Add("tags", tag)
		}
		if opts.NamePattern != "" {
			q.Set("name_pattern", opts.NamePattern)
		}
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		r.SetQueryParamsFromValues(q)
	})
	if err != nil || list == nil {
		return nil, err
	}
	return list.Services, nil
}

// Delete 注销服务
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := do[any](ctx, c, http.MethodDelete, "/api/v1/services/"+url.PathEscape(name), nil)
	return err
}

// TriggerCheck 请求立即检查服务健康状态
func (c *Client) TriggerCheck(ctx context.Context, name string) error {
	_, err := do[any](ctx, c, http.MethodPost, "/api/v1/services/"+url.PathEscape(name)+"/check", nil)
	return err
}

// History 查询最近hours小时的健康历史，hours<=0时使用服务端默认值
func (c *Client) History(ctx context.Context, name string, hours int) (*HealthHistory, error) {
	return do[*HealthHistory](ctx, c, http.MethodGet, "/api/v1/health-history/"+url.PathEscape(name), func(r *resty.Request) {
		if hours > 0 {
			r.SetQueryParam("hours", strconv.Itoa(hours))
		}
	})
}
