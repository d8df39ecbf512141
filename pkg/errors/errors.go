package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 统一管理同步核心的业务错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 调用方可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// IsRetryable 判断错误是否可由调用方重试
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeHistoryFetch, CodeSubscribe, CodeSendFailed, CodeDBError:
		return true
	}
	return false
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 认证相关 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// 参数相关 11000-11999
	CodeInvalidParams = 11002

	// 会话同步相关 13000-13999
	CodeConversationNotOpen = 13001
	CodeHistoryFetch        = 13002
	CodeSendFailed          = 13003
	CodeStreamClosed        = 13004
	CodeStaleResult         = 13005
	CodeInvalidCursor       = 13006
	CodeSubscribe           = 13007
	CodeEmptyMessage        = 13008
	CodeNotMember           = 13009
	CodeConversationMissing = 13010

	// 系统错误 50000-50999
	CodeServerError = 50001
	CodeDBError     = 50002
)

// ============== 预定义错误 ==============

// 认证相关
var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "Token 无效")
	ErrTokenExpired = NewError(CodeTokenExpired, "Token 已过期")
)

// 参数相关
var (
	ErrInvalidParams = NewError(CodeInvalidParams, "参数校验失败")
)

// 会话同步相关
var (
	ErrConversationNotOpen = NewError(CodeConversationNotOpen, "会话未打开")
	ErrHistoryFetch        = NewError(CodeHistoryFetch, "历史消息拉取失败")
	ErrSendFailed          = NewError(CodeSendFailed, "消息发送失败")
	ErrStreamClosed        = NewError(CodeStreamClosed, "会话流已关闭")
	ErrStaleResult         = NewError(CodeStaleResult, "结果已过期")
	ErrInvalidCursor       = NewError(CodeInvalidCursor, "分页游标无效")
	ErrSubscribe           = NewError(CodeSubscribe, "订阅推送失败")
	ErrEmptyMessage        = NewError(CodeEmptyMessage, "消息内容为空")
	ErrNotMember           = NewError(CodeNotMember, "不是会话成员")
	ErrConversationMissing = NewError(CodeConversationMissing, "会话不存在")
)

// 系统相关
var (
	ErrServerError = NewError(CodeServerError, "服务器内部错误")
	ErrDBError     = NewError(CodeDBError, "数据库错误")
)
