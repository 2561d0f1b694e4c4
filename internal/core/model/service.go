package model

import (
	"strings"
	"time"
)

// DefaultPath 服务未指定路径时使用的默认路径
const DefaultPath = "/"

// Service 表示一条服务注册记录，以Name作为唯一键
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
}

// Clone 返回服务记录的副本，Tags和Metadata不与原记录共享
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasAllTags 判断服务是否包含全部给定标签
func (s *Service) HasAllTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, tag := range s.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Normalize 补齐默认值并去除重复标签
func (s *Service) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Host = strings.TrimSpace(s.Host)
	s.HealthCheckURL = strings.TrimSpace(s.HealthCheckURL)
	if s.Path == "" {
		s.Path = DefaultPath
	}
	s.Tags = NormalizeTags(s.Tags)
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
}

// NormalizeTags 去掉空标签和重复标签，保留首次出现的顺序
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ServiceFilter 服务列表过滤条件
type ServiceFilter struct {
	// Tags 服务必须包含全部标签
	Tags []string
	// NamePattern 名称子串，不区分大小写
	NamePattern string
}

// Match 判断服务是否满足过滤条件
func (f ServiceFilter) Match(s *Service) bool {
	if f.NamePattern != "" &&
		!strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.NamePattern)) {
		return false
	}
	return s.HasAllTags(f.Tags)
}

// ServiceRegistrationRequest 表示服务注册请求
type ServiceRegistrationRequest struct {
	Name           string         `json:"name" validate:"required,max=255,excludesall=/"`
	Host           string         `json:"host" validate:"required,max=255"`
	Port           int            `json:"port" validate:"required,min=1,max=65535"`
	Path           string         `json:"path" validate:"omitempty,max=255"`
	HealthCheckURL string         `json:"health_check_url" validate:"omitempty,http_url,max=500"`
	Tags           []string       `json:"tags" validate:"omitempty,max=64"`
	Metadata       map[string]any `json:"metadata"`
}

// Normalize 去除字段两端的空白
func (r *ServiceRegistrationRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Host = strings.TrimSpace(r.Host)
	r.Path = strings.TrimSpace(r.Path)
	r.HealthCheckURL = strings.TrimSpace(r.HealthCheckURL)
}

// ToService 将注册请求转换为服务记录
func (r *ServiceRegistrationRequest) ToService() *Service {
	s := &Service{
		Name:           r.Name,
		Host:           r.Host,
		Port:           r.Port,
		Path:           r.Path,
		HealthCheckURL: r.HealthCheckURL,
		Tags:           r.Tags,
		Metadata:       r.Metadata,
	}
	s.Normalize()
	return s
}

// ServiceRegistrationResponse 表示服务注册响应
type ServiceRegistrationResponse struct {
	Name      string    `json:"name"`
	Created   bool      `json:"created"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceQuery 服务列表查询参数
type ServiceQuery struct {
	Tags        []string `query:"tags"`
	NamePattern string   `query:"name_pattern"`
	Status      string   `query:"status" validate:"omitempty,oneof=healthy unhealthy unknown"`
}

// Filter 返回存储层使用的过滤条件，逗号分隔的标签会被拆开
func (q *ServiceQuery) Filter() ServiceFilter {
	var tags []string
	for _, t := range q.Tags {
		tags = append(tags, strings.Split(t, ",")...)
	}
	return ServiceFilter{
		Tags:        NormalizeTags(tags),
		NamePattern: strings.TrimSpace(q.NamePattern),
	}
}

// ServiceStatus 服务记录与解析后的健康信息
type ServiceStatus struct {
	Service
	Health
}

// ServiceList 服务列表响应
type ServiceList struct {
	Services []*ServiceStatus `json:"services"`
	Count    int              `json:"count"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
