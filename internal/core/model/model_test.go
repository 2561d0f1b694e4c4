package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceNormalize(t *testing.T) {
	s := &Service{Name: " api ", Host: "10.0.0.1", Port: 80, Tags: []string{"a", "", "b", "a"}}
	s.Normalize()

	assert.Equal(t, "api", s.Name)
	assert.Equal(t, DefaultPath, s.Path, "未指定路径时应为/")
	assert.Equal(t, []string{"a", "b"}, s.Tags, "标签应去重")
	assert.NotNil(t, s.Metadata, "元数据应初始化为空对象")
}

func TestServiceFilterMatch(t *testing.T) {
	s := &Service{Name: "Billing-API", Tags: []string{"prod", "v2"}}

	tests := []struct {
		name   string
		filter ServiceFilter
		want   bool
	}{
		{"空过滤条件", ServiceFilter{}, true},
		{"名称子串不区分大小写", ServiceFilter{NamePattern: "billing"}, true},
		{"名称不匹配", ServiceFilter{NamePattern: "search"}, false},
		{"标签全部包含", ServiceFilter{Tags: []string{"prod", "v2"}}, true},
		{"标签部分包含", ServiceFilter{Tags: []string{"prod", "v3"}}, false},
		{"通配符按字面匹配", ServiceFilter{NamePattern: "%"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(s))
		})
	}
}

func TestServiceQueryFilterSplitsTags(t *testing.T) {
	q := &ServiceQuery{Tags: []string{"a,b", "c", "a"}, NamePattern: " web "}
	f := q.Filter()

	assert.Equal(t, []string{"a", "b", "c"}, f.Tags)
	assert.Equal(t, "web", f.NamePattern)
}

func TestServiceClone(t *testing.T) {
	s := &Service{Name: "a", Tags: []string{"x"}, Metadata: map[string]any{"k": "v"}}
	c := s.Clone()
	c.Tags[0] = "y"
	c.Metadata["k"] = "w"

	assert.Equal(t, "x", s.Tags[0], "副本不应共享标签")
	assert.Equal(t, "v", s.Metadata["k"], "副本不应共享元数据")
}

func TestServiceStatusJSON(t *testing.T) {
	rt := 0.25
	checked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	status := &ServiceStatus{
		Service: Service{Name: "api", Host: "h", Port: 80, Path: "/"},
		Health:  Health{Status: HealthStatusHealthy, LastCheck: &checked, ResponseTime: &rt},
	}

	data, err := json.Marshal(status)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "api", m["name"])
	assert.Equal(t, "healthy", m["status"])
	assert.Equal(t, 0.25, m["response_time"])
	assert.NotContains(t, m, "error", "无错误时不输出error字段")
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("查询失败: %w", NewNotFoundError("服务不存在"))
	assert.True(t, IsNotFound(wrapped), "包装后仍应识别为NotFound")
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))

	cause := errors.New("connection refused")
	backend := NewBackendUnavailableError("存储不可用", cause)
	assert.True(t, IsBackendUnavailable(backend))
	assert.ErrorIs(t, backend, cause)
	assert.Contains(t, backend.Error(), "connection refused")

	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
	assert.True(t, IsValidation(NewValidationError("bad")))
}

func TestHealthStatusValid(t *testing.T) {
	assert.True(t, HealthStatusHealthy.Valid())
	assert.True(t, HealthStatusUnknown.Valid())
	assert.False(t, HealthStatus("degraded").Valid())
}
