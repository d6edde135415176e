// Package errors 提供审计核心的错误代码体系与包装工具。
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeCancelled    ErrorCode = "CANCELLED"

	// 审计核心错误代码
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrCodeCommitPhase1  ErrorCode = "COMMIT_PHASE1_ERROR"
	ErrCodeCommitPhase2  ErrorCode = "COMMIT_PHASE2_ERROR"
	ErrCodeSubscriber    ErrorCode = "SUBSCRIBER_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 是否为指定类型的错误
	Is(target error) bool

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 检查是否为指定类型的错误
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap / errors.Is）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// IsConfiguration 检查是否为追踪配置错误
func IsConfiguration(err error) bool {
	return IsErrorCode(err, ErrCodeConfiguration)
}

// IsCancelled 检查是否为保存开始前的取消（区别于提交失败）
func IsCancelled(err error) bool {
	return IsErrorCode(err, ErrCodeCancelled)
}

// IsCommitPhase1 检查是否为第一阶段提交失败
func IsCommitPhase1(err error) bool {
	return IsErrorCode(err, ErrCodeCommitPhase1)
}

// IsCommitPhase2 检查是否为第二阶段提交失败。
// 此时主数据与更新/删除审计行已经落库，丢失的只是本次保存的插入审计行。
func IsCommitPhase2(err error) bool {
	return IsErrorCode(err, ErrCodeCommitPhase2)
}

// IsSubscriber 检查是否为订阅者回调失败
func IsSubscriber(err error) bool {
	return IsErrorCode(err, ErrCodeSubscriber)
}

// IsDatabase 检查是否为审计存储访问失败
func IsDatabase(err error) bool {
	return IsErrorCode(err, ErrCodeDatabase)
}

// IsQueue 检查是否为消息队列失败（入队被拒等）
func IsQueue(err error) bool {
	return IsErrorCode(err, ErrCodeQueue)
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}

	return false
}

// GetErrorCode 获取错误代码
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

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

// copyMap 复制映射
func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}

	return copied
}
