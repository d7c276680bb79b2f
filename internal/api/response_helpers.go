// internal/api/response_helpers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
)

// APIResponse 统一的API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError API错误信息
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	}

	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	}

	if len(message) > 0 {
		response.Message = message[0]
	} else {
		response.Message = "资源创建成功"
	}

	c.JSON(http.StatusCreated, response)
}

// sanitizeErrorMessage 去掉可能泄露密钥的错误信息
func sanitizeErrorMessage(message string) string {
	lower := strings.ToLower(message)
	for _, pattern := range []string{"api_key", "apikey", "secret", "password", "token="} {
		if strings.Contains(lower, pattern) {
			return "An internal error occurred"
		}
	}
	return message
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string, details ...string) {
	apiError := &APIError{
		Code:    errorCode,
		Message: sanitizeErrorMessage(message),
	}

	if len(details) > 0 {
		apiError.Details = sanitizeErrorMessage(details[0])
	}

	c.JSON(statusCode, &APIResponse{
		Success:   false,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: rh.getRequestID(c),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusBadRequest, ErrorBadRequest, message, details...)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, resource string, details ...string) {
	code := ErrorNotFound
	if resource == "session" {
		code = ErrorSessionNotFound
	}
	rh.Error(c, http.StatusNotFound, code, resource+" not found", details...)
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusInternalServerError, ErrorInternalError, message, details...)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string, details ...string) {
	rh.Error(c, http.StatusConflict, ErrorConflict, message, details...)
}

// FromError 把后端错误映射为HTTP状态。远程客户端依赖这一映射判断可否重试：
// 404 不存在，409/429/5xx 可重试，其余为请求错误。
func (rh *ResponseHelper) FromError(c *gin.Context, err error) {
	status, code := statusFor(err)
	rh.Error(c, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, apperrors.CodeFor(apperrors.ErrorTypeCanceled)
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, ErrorInternalError
	}
	switch appErr.Type {
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound, appErr.Code
	case apperrors.ErrorTypeValidation:
		return http.StatusBadRequest, appErr.Code
	case apperrors.ErrorTypeConflict, apperrors.ErrorTypeBusy:
		return http.StatusConflict, appErr.Code
	case apperrors.ErrorTypeTransient, apperrors.ErrorTypeTimeout, apperrors.ErrorTypeCanceled:
		return http.StatusServiceUnavailable, appErr.Code
	default:
		return http.StatusInternalServerError, appErr.Code
	}
}

// getRequestID 获取请求ID
func (rh *ResponseHelper) getRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
