// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorRateLimited   = "RATE_LIMIT_EXCEEDED"

	// 会话相关错误
	ErrorSessionNotFound = "NOT_FOUND"
	ErrorStreamRequest   = "STREAM_REQUEST_INVALID"
)
