package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// Authorizer 判断调用方凭证是否有效
type Authorizer interface {
	Authorize(key string) bool
}

// StaticKeyAuthorizer 使用单个固定密钥鉴权
type StaticKeyAuthorizer struct {
	key []byte
}

// NewStaticKeyAuthorizer 创建固定密钥鉴权器
func NewStaticKeyAuthorizer(key string) *StaticKeyAuthorizer {
	return &StaticKeyAuthorizer{key: []byte(key)}
}

// Authorize 以常量时间比较密钥
func (a *StaticKeyAuthorizer) Authorize(key string) bool {
	return len(a.key) > 0 && subtle.ConstantTimeCompare([]byte(key), a.key) == 1
}

// APIKeyAuth 从请求头读取密钥并鉴权，失败时返回401
func APIKeyAuth(header string, authorizer Authorizer) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + header,
		Validator: func(key string, c echo.Context) (bool, error) {
			return authorizer.Authorize(key), nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			unauthorized := model.NewUnauthorizedError("无效的API密钥")
			return c.JSON(http.StatusUnauthorized, errorResponse(http.StatusUnauthorized, unauthorized.Error()))
		},
	})
}
