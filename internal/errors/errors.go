// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 模拟核心错误类型
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeContract          ErrorType = "contract_violation"
	ErrorTypeBusy              ErrorType = "busy"
	ErrorTypeTransient         ErrorType = "transient"
	ErrorTypeSemantic          ErrorType = "semantic"
	ErrorTypePersistence       ErrorType = "persistence"
	ErrorTypeCanceled          ErrorType = "canceled"
)

// AppError 应用程序错误结构
type AppError struct {
	Type      ErrorType
	Message   string
	Err       error
	Code      string // 用户友好的错误代码
	Retryable bool   // 调用方是否可以重试
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:      errType,
		Message:   message,
		Err:       originalError,
		Code:      generateErrorCode(errType),
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewInvalidTransitionError 命令与当前舞台不符
func NewInvalidTransitionError(message string) *AppError {
	return NewAppError(ErrorTypeInvalidTransition, message, nil)
}

// NewContractError 调用方违反操作前置条件，不可重试
func NewContractError(message string) *AppError {
	return NewAppError(ErrorTypeContract, message, nil)
}

// NewBusyError 另一个变更操作正在进行
func NewBusyError(message string) *AppError {
	return NewAppError(ErrorTypeBusy, message, nil)
}

// NewTransientError 网络或后端的暂时性错误
func NewTransientError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTransient, message, originalError)
}

// NewSemanticError 模型输出不合法
func NewSemanticError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeSemantic, message, originalError)
}

// NewPersistenceError 持久化失败，事务已回滚
func NewPersistenceError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypePersistence, message, originalError)
}

// NewCanceledError 操作被中止
func NewCanceledError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeCanceled, message, originalError)
}

// NonRetryable 复制错误并标记为不可重试
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	var appError *AppError
	if errors.As(err, &appError) {
		clone := *appError
		clone.Retryable = false
		return &clone
	}
	return &AppError{Type: ErrorTypeError, Message: err.Error(), Err: err, Code: generateErrorCode(ErrorTypeError)}
}

func hasType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsInvalidTransition 检查是否为非法状态转换
func IsInvalidTransition(err error) bool { return hasType(err, ErrorTypeInvalidTransition) }

// IsContractError 检查是否为契约违反
func IsContractError(err error) bool { return hasType(err, ErrorTypeContract) }

// IsBusyError 检查是否为忙碌错误
func IsBusyError(err error) bool { return hasType(err, ErrorTypeBusy) }

// IsSemanticError 检查是否为语义错误
func IsSemanticError(err error) bool { return hasType(err, ErrorTypeSemantic) }

// IsPersistenceError 检查是否为持久化错误
func IsPersistenceError(err error) bool { return hasType(err, ErrorTypePersistence) }

// IsCanceled 检查是否被中止
func IsCanceled(err error) bool { return hasType(err, ErrorTypeCanceled) }

// IsRetryable 检查错误是否允许调用方重试。只看最外层的 AppError。
func IsRetryable(err error) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Retryable
	}
	return false
}

// CodeFor 返回错误类型对应的错误代码
func CodeFor(errType ErrorType) string {
	return generateErrorCode(errType)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeInvalidTransition:
		return "INVALID_TRANSITION"
	case ErrorTypeContract:
		return "CONTRACT_VIOLATION"
	case ErrorTypeBusy:
		return "BUSY"
	case ErrorTypeTransient:
		return "TRANSIENT"
	case ErrorTypeSemantic:
		return "SEMANTIC"
	case ErrorTypePersistence:
		return "PERSISTENCE"
	case ErrorTypeCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:      appError.Type,
			Message:   fmt.Sprintf("%s: %s", message, appError.Message),
			Err:       appError,
			Code:      appError.Code,
			Retryable: appError.Retryable,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
