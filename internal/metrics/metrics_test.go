package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/service-registry/internal/core/model"
)

func TestRecordResult(t *testing.T) {
	m := New()

	m.ObserveProbeDuration(20 * time.Millisecond)
	m.ObserveProbeDuration(5 * time.Millisecond)
	m.RecordResult(&model.HealthCheckResult{ServiceName: "api", Status: model.HealthStatusHealthy})
	m.RecordResult(&model.HealthCheckResult{ServiceName: "api", Status: model.HealthStatusUnhealthy})
	m.RecordResult(&model.HealthCheckResult{ServiceName: "batch", Status: model.HealthStatusUnknown})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckFailures.WithLabelValues("api")), "失败计数应按服务名记录")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthCheckFailures.WithLabelValues("batch")), "unknown不计为失败")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckResults.WithLabelValues("unknown")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "service_registry_health_check_duration_seconds_count 2")

	m.ForgetService("api")
	assert.Equal(t, 1, testutil.CollectAndCount(m.HealthCheckFailures), "删除服务后应移除其序列")
}

func TestRecordCycleAndServices(t *testing.T) {
	m := New()

	m.SetServices(3)
	m.RecordCycle(time.Second, nil)
	m.RecordCycle(0, errors.New("store down"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ServicesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitorCycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MonitorCycleErrors))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(Middleware(m))
	e.GET("/services/:name", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("name"))
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "boom")
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	for _, path := range []string{"/services/a", "/services/b", "/boom"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "/services/:name", "200")),
		"endpoint应使用路由模板")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequests.WithLabelValues("GET", "/boom", "418")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "service_registry_api_requests_total"))
	assert.True(t, strings.Contains(body, "service_registry_services_total"))
}
