package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/metrics"
)

// DefaultProbeTimeout 单次探测的默认超时
const DefaultProbeTimeout = 10 * time.Second

// Prober 对服务的健康检查地址发起一次GET请求并给出结论
type Prober struct {
	client  *resty.Client
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	logger  config.Logger
}

// NewProber 创建探测器，rps<=0表示不限制探测速率
func NewProber(timeout time.Duration, rps float64, m *metrics.Metrics, logger config.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "service-registry-health-checker/1.0")

	return &Prober{
		client:  client,
		limiter: limiter,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Probe 探测服务健康状况，失败被吸收为unhealthy结果，不会返回错误
func (p *Prober) Probe(ctx context.Context, svc *model.Service) *model.HealthCheckResult {
	result := &model.HealthCheckResult{ServiceName: svc.Name}

	if svc.HealthCheckURL == "" {
		result.Status = model.HealthStatusUnknown
		result.CheckedAt = time.Now().UTC()
		return result
	}

	if err := p.limiter.Wait(ctx); err != nil {
		result.Status = model.HealthStatusUnhealthy
		result.Error = "connection error: " + err.Error()
		result.CheckedAt = time.Now().UTC()
		return result
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.R().
		SetContext(reqCtx).
		SetDoNotParseResponse(true).
		Get(svc.HealthCheckURL)
	elapsed := time.Since(start)
	result.CheckedAt = time.Now().UTC()
	p.metrics.ObserveProbeDuration(elapsed)

	if err != nil {
		result.Status = model.HealthStatusUnhealthy
		result.Error = classifyError(err)
		p.logger.Debug("健康检查请求失败",
			zap.String("service", svc.Name),
			zap.String("url", svc.HealthCheckURL),
			zap.Error(err))
		return result
	}
	if body := resp.RawBody(); body != nil {
		body.Close()
	}

	seconds := elapsed.Seconds()
	result.ResponseTime = &seconds

	code := resp.StatusCode()
	if code >= 100 && code < 300 {
		result.Status = model.HealthStatusHealthy
	} else {
		result.Status = model.HealthStatusUnhealthy
		result.Error = fmt.Sprintf("HTTP %d", code)
	}

	return result
}

// classifyError 区分超时和其他传输错误
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection error: " + err.Error()
}
