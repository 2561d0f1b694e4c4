package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// Metrics 注册中心的Prometheus指标
type Metrics struct {
	registry *prometheus.Registry

	// 服务指标
	ServicesTotal prometheus.Gauge

	// 健康检查指标
	HealthCheckDuration prometheus.Histogram
	HealthCheckFailures *prometheus.CounterVec
	HealthCheckResults  *prometheus.CounterVec

	// 监控循环指标
	MonitorCycles        prometheus.Counter
	MonitorCycleErrors   prometheus.Counter
	MonitorCycleDuration prometheus.Histogram
	TriggersDropped      prometheus.Counter

	// HTTP指标
	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
}

// New 创建指标并注册到独立的Registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ServicesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "service_registry_services_total",
			Help: "Total number of registered services",
		}),

		HealthCheckDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "service_registry_health_check_duration_seconds",
			Help:    "Time spent on health checks",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HealthCheckFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "service_registry_health_check_failures_total",
			Help: "Total health check failures",
		}, []string{"service"}),
		HealthCheckResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "service_registry_health_check_results_total",
			Help: "Health check results by status",
		}, []string{"status"}),

		MonitorCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "service_registry_monitor_cycles_total",
			Help: "Completed health monitor cycles",
		}),
		MonitorCycleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "service_registry_monitor_cycle_errors_total",
			Help: "Health monitor cycles that failed to enumerate services",
		}),
		MonitorCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "service_registry_monitor_cycle_duration_seconds",
			Help:    "Duration of a full health monitor cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		TriggersDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "service_registry_check_triggers_dropped_total",
			Help: "On-demand health checks dropped because the queue was full",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "service_registry_api_requests_total",
			Help: "Total API requests",
		}, []string{"method", "endpoint", "status"}),
		APIRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "service_registry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "endpoint"}),
	}
}

// Registry 返回底层的Prometheus Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回/metrics的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProbeDuration 记录一次发起了网络请求的探测耗时
func (m *Metrics) ObserveProbeDuration(duration time.Duration) {
	m.HealthCheckDuration.Observe(duration.Seconds())
}

// RecordResult 记录一条已落盘的探测结果，unhealthy计入服务的失败次数
func (m *Metrics) RecordResult(result *model.HealthCheckResult) {
	m.HealthCheckResults.WithLabelValues(string(result.Status)).Inc()
	if result.Status == model.HealthStatusUnhealthy {
		m.HealthCheckFailures.WithLabelValues(result.ServiceName).Inc()
	}
}

// ForgetService 删除服务相关的指标序列
func (m *Metrics) ForgetService(name string) {
	m.HealthCheckFailures.DeleteLabelValues(name)
}

// SetServices 设置已注册服务数量
func (m *Metrics) SetServices(n int) {
	m.ServicesTotal.Set(float64(n))
}

// RecordCycle 记录一轮监控
func (m *Metrics) RecordCycle(duration time.Duration, err error) {
	if err != nil {
		m.MonitorCycleErrors.Inc()
		return
	}
	m.MonitorCycles.Inc()
	m.MonitorCycleDuration.Observe(duration.Seconds())
}

// RecordAPIRequest 记录一次API请求
func (m *Metrics) RecordAPIRequest(method, endpoint, status string, duration time.Duration) {
	m.APIRequests.WithLabelValues(method, endpoint, status).Inc()
	m.APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
