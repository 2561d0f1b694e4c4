package model

import "time"

// HealthStatus 健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 表示服务健康
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 表示服务不健康
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 表示无法判断，例如未配置健康检查地址
	HealthStatusUnknown HealthStatus = "unknown"
)

// Valid 判断是否为合法的健康状态
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthStatusHealthy, HealthStatusUnhealthy, HealthStatusUnknown:
		return true
	}
	return false
}

// HealthCheckResult 一次健康探测的结果，写入后不再修改
type HealthCheckResult struct {
	ServiceName string       `json:"service_name"`
	Status      HealthStatus `json:"status"`
	// ResponseTime 秒，只有收到HTTP响应时才有值
	ResponseTime *float64  `json:"response_time,omitempty"`
	Error        string    `json:"error,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Health 返回结果对应的健康投影
func (r *HealthCheckResult) Health() Health {
	checked := r.CheckedAt
	return Health{
		Status:       r.Status,
		LastCheck:    &checked,
		ResponseTime: r.ResponseTime,
		Error:        r.Error,
	}
}

// Health 服务当前的健康信息，也是缓存中保存的内容
type Health struct {
	Status       HealthStatus `json:"status"`
	LastCheck    *time.Time   `json:"last_check,omitempty"`
	ResponseTime *float64     `json:"response_time,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// UnknownHealth 没有任何探测记录时的健康信息
func UnknownHealth() Health {
	return Health{Status: HealthStatusUnknown}
}

// HealthHistory 健康历史响应
type HealthHistory struct {
	Service string               `json:"service"`
	History []*HealthCheckResult `json:"history"`
	Count   int                  `json:"count"`
}
