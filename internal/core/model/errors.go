package model

import (
	"errors"
	"fmt"
)

// 错误代码
const (
	// CodeValidation 参数无效
	CodeValidation = iota + 1
	// CodeNotFound 资源不存在
	CodeNotFound
	// CodeUnauthorized 未授权
	CodeUnauthorized
	// CodeBackendUnavailable 存储或缓存不可用
	CodeBackendUnavailable
	// CodeInternal 内部错误
	CodeInternal
)

// Error 注册中心统一的错误类型
type Error struct {
	Code    int
	Message string
	Err     error
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError 创建参数无效错误
func NewValidationError(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// NewUnauthorizedError 创建未授权错误
func NewUnauthorizedError(message string) *Error {
	return &Error{Code: CodeUnauthorized, Message: message}
}

// NewBackendUnavailableError 创建后端不可用错误
func NewBackendUnavailableError(message string, err error) *Error {
	return &Error{Code: CodeBackendUnavailable, Message: message, Err: err}
}

// NewInternalError 创建内部错误
func NewInternalError(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf 返回错误链中第一个*Error的代码，没有时返回CodeInternal
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == CodeNotFound
}

// IsValidation 判断是否为参数无效错误
func IsValidation(err error) bool {
	return err != nil && CodeOf(err) == CodeValidation
}

// IsBackendUnavailable 判断是否为后端不可用错误
func IsBackendUnavailable(err error) bool {
	return err != nil && CodeOf(err) == CodeBackendUnavailable
}
