// Package errors 定义统一错误码
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeConflict         Code = "CONFLICT"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"

	// saga
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeSagaNotFound           Code = "SAGA_NOT_FOUND"
	CodeStepNotFound           Code = "STEP_NOT_FOUND"
	CodeCompensationNotFound   Code = "COMPENSATION_NOT_FOUND"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeVersionConflict        Code = "VERSION_CONFLICT"
	CodeAdapterFailure         Code = "ADAPTER_FAILURE"
	CodeCompensationIncomplete Code = "COMPENSATION_INCOMPLETE"

	// 文件
	CodeFileNotFound         Code = "FILE_NOT_FOUND"
	CodeFileDeleted          Code = "FILE_DELETED"
	CodeFileTooLarge         Code = "FILE_TOO_LARGE"
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is 按错误码匹配，errors.Is(err, ErrStepNotFound) 对任意消息的同码错误成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 消息为空时使用错误码作为消息
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// As 从错误链中取出 *Error
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中的错误码，非业务错误返回 CodeInternal
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeVersionConflict, CodeAdapterFailure:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeValidationFailed, CodeFileDeleted:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeSagaNotFound, CodeFileNotFound,
		CodeStepNotFound, CodeCompensationNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidTransition, CodeVersionConflict:
		return http.StatusConflict
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodeAdapterFailure:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam     = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrPermissionDenied = New(CodePermissionDenied, "access denied")
	ErrConflict         = New(CodeConflict, "resource already exists")
	ErrFileNotFound     = New(CodeFileNotFound, "file not found")
	ErrFileDeleted      = New(CodeFileDeleted, "file has been deleted")
)
