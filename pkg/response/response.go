package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    appErrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// ErrorFromAppError 从 AppError 生成错误响应
func ErrorFromAppError(c *gin.Context, err error) {
	c.JSON(statusFor(err), Response{
		Code:    appErrors.GetCode(err),
		Message: appErrors.GetMessage(err),
		Data:    nil,
	})
}

// InvalidParams 参数错误
func InvalidParams(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    appErrors.CodeInvalidParams,
		Message: message,
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context, err *appErrors.AppError) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    err.Code,
		Message: err.Message,
		Data:    nil,
	})
}

// statusFor 按错误码映射 HTTP 状态码
func statusFor(err error) int {
	switch appErrors.GetCode(err) {
	case appErrors.CodeConversationNotOpen, appErrors.CodeConversationMissing:
		return http.StatusNotFound
	case appErrors.CodeNotMember:
		return http.StatusForbidden
	case appErrors.CodeInvalidParams, appErrors.CodeInvalidCursor, appErrors.CodeEmptyMessage:
		return http.StatusBadRequest
	case appErrors.CodeHistoryFetch, appErrors.CodeSubscribe:
		return http.StatusServiceUnavailable
	case appErrors.CodeSendFailed:
		return http.StatusBadGateway
	case appErrors.CodeStreamClosed, appErrors.CodeStaleResult:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
