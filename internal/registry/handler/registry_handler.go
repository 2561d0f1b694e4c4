package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/registry/service"
)

// RegistryHandler 处理服务注册和健康查询相关的HTTP请求
type RegistryHandler struct {
	service service.RegistryService
	auth    echo.MiddlewareFunc
}

// NewRegistryHandler 创建处理器，auth用于保护写操作
func NewRegistryHandler(svc service.RegistryService, auth echo.MiddlewareFunc) *RegistryHandler {
	return &RegistryHandler{
		service: svc,
		auth:    auth,
	}
}

// RegisterRoutes 注册API路由
func (h *RegistryHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 读操作无需鉴权
	api.GET("/services", h.listServices)
	api.GET("/services/:name", h.getService)
	api.GET("/health-history/:name", h.getHealthHistory)

	// 写操作需要API密钥
	api.POST("/services", h.registerService, h.auth)
	api.DELETE("/services/:name", h.deleteService, h.auth)
	api.POST("/services/:name/check", h.triggerCheck, h.auth)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// httpStatus 将错误代码映射为HTTP状态码
func httpStatus(err error) int {
	switch model.CodeOf(err) {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 按错误类型返回统一的错误响应
func writeError(c echo.Context, prefix string, err error) error {
	status := httpStatus(err)
	return c.JSON(status, errorResponse(status, prefix+": "+err.Error()))
}

// registerService 处理服务注册请求
func (h *RegistryHandler) registerService(c echo.Context) error {
	req := new(model.ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	resp, err := h.service.Register(c.Request().Context(), req)
	if err != nil {
		return writeError(c, "注册服务失败", err)
	}

	if resp.Created {
		return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "服务 "+resp.Name+" 注册成功", resp))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务 "+resp.Name+" 更新成功", resp))
}

// listServices 处理服务列表查询
func (h *RegistryHandler) listServices(c echo.Context) error {
	query := new(model.ServiceQuery)
	if err := c.Bind(query); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的查询参数: "+err.Error()))
	}

	services, err := h.service.List(c.Request().Context(), query)
	if err != nil {
		return writeError(c, "查询服务列表失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", &model.ServiceList{
		Services: services,
		Count:    len(services),
	}))
}

// getService 处理单个服务查询
func (h *RegistryHandler) getService(c echo.Context) error {
	status, err := h.service.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeError(c, "查询服务失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", status))
}

// deleteService 处理服务删除请求
func (h *RegistryHandler) deleteService(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.Delete(c.Request().Context(), name); err != nil {
		return writeError(c, "删除服务失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务 "+name+" 已删除", nil))
}

// triggerCheck 处理按需健康检查请求
func (h *RegistryHandler) triggerCheck(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.TriggerCheck(c.Request().Context(), name); err != nil {
		return writeError(c, "触发健康检查失败", err)
	}

	return c.JSON(http.StatusAccepted, successResponse(http.StatusAccepted, "已触发服务 "+name+" 的健康检查", nil))
}

// getHealthHistory 处理健康历史查询，hours默认为24
func (h *RegistryHandler) getHealthHistory(c echo.Context) error {
	var hours int
	if err := echo.QueryParamsBinder(c).Int("hours", &hours).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的hours参数"))
	}
	if hours < 0 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "hours不能为负数"))
	}

	history, err := h.service.History(c.Request().Context(), c.Param("name"), time.Duration(hours)*time.Hour)
	if err != nil {
		return writeError(c, "查询健康历史失败", err)
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", history))
}
