// Package errors 定义带错误码的应用错误，区分可补偿的业务失败与需重试的系统故障
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 通用错误代码
const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeDatabase     ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue        ErrorCode = "QUEUE_ERROR"
)

// 业务错误代码：参与方返回这些代码时，编排器会启动补偿
const (
	ErrCodeOutOfStock             ErrorCode = "OUT_OF_STOCK"
	ErrCodeVariantNotFound        ErrorCode = "VARIANT_NOT_FOUND"
	ErrCodeInvalidCoupon          ErrorCode = "INVALID_COUPON"
	ErrCodeInsufficientPoints     ErrorCode = "INSUFFICIENT_POINTS"
	ErrCodeUserNotFound           ErrorCode = "USER_NOT_FOUND"
	ErrCodePaymentDeclined        ErrorCode = "PAYMENT_DECLINED"
	ErrCodeSagaAlreadyCompensated ErrorCode = "SAGA_ALREADY_COMPENSATED"
)

var businessCodes = map[ErrorCode]struct{}{
	ErrCodeOutOfStock:             {},
	ErrCodeVariantNotFound:        {},
	ErrCodeInvalidCoupon:          {},
	ErrCodeInsufficientPoints:     {},
	ErrCodeUserNotFound:           {},
	ErrCodePaymentDeclined:        {},
	ErrCodeSagaAlreadyCompensated: {},
	ErrCodeInvalidInput:           {},
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{code: code, message: message}
}

// NewBusinessError 创建业务错误，code 应为业务错误代码之一
func NewBusinessError(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{code: code, message: fmt.Sprintf(format, args...)}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Cause() error    { return e.cause }

// Details 返回附加的上下文信息（只读副本）
func (e *AppError) Details() map[string]any {
	return copyMap(e.details)
}

// Is 同错误码的 AppError 视为相等，其余情况委托给 cause
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// Unwrap 支持 errors.Is / errors.As 穿透
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 返回附加了一个上下文键值的新错误，原错误不变
func (e *AppError) WithContext(key string, value any) *AppError {
	details := copyMap(e.details)
	details[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: details}
}

// IsErrorCode 检查错误链中是否存在指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码，非 AppError 一律视为内部错误
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// IsBusiness 判断错误是否为业务失败（应回复 FAIL 而非等待重投）
func IsBusiness(err error) bool {
	var appErr *AppError
	if !stdErrors.As(err, &appErr) {
		return false
	}
	_, ok := businessCodes[appErr.code]
	return ok
}

// DetailsOf 错误链中首个 AppError 的上下文，没有则返回 nil
func DetailsOf(err error) map[string]any {
	var appErr *AppError
	if !stdErrors.As(err, &appErr) || len(appErr.details) == 0 {
		return nil
	}
	return appErr.Details()
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

func copyMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
