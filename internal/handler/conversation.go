package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.chatsync/internal/middleware"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/stream"
	appErrors "sudooom.im.chatsync/pkg/errors"
	"sudooom.im.chatsync/pkg/response"
)

// Sessions 按账号获取注册表
type Sessions interface {
	Acquire(accountID, accountName string) (*stream.Registry, error)
	WaitTyping(ctx context.Context, conversationID string) error
}

// ReadStates 已读状态查询
type ReadStates interface {
	Get(ctx context.Context, conversationID, userID string) (model.ReadState, error)
}

// ConversationHandler 会话同步接口
type ConversationHandler struct {
	sessions Sessions
	reads    ReadStates
	maxWait  time.Duration
	logger   *slog.Logger
}

// NewConversationHandler 创建处理器；maxWait 为长轮询等待上限
func NewConversationHandler(sessions Sessions, reads ReadStates, maxWait time.Duration) *ConversationHandler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &ConversationHandler{
		sessions: sessions,
		reads:    reads,
		maxWait:  maxWait,
		logger:   slog.Default(),
	}
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Text      string  `json:"text" binding:"required"`
	ReplyToID *string `json:"reply_to_id"`
}

// TypingRequest 输入状态请求
type TypingRequest struct {
	Typing bool `json:"typing"`
}

func (h *ConversationHandler) registry(c *gin.Context) (*stream.Registry, bool) {
	reg, err := h.sessions.Acquire(middleware.GetUserID(c), middleware.GetUserName(c))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return nil, false
	}
	return reg, true
}

// Open 打开会话并拉取第一页
// POST /api/v1/conversations/:id/open
func (h *ConversationHandler) Open(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}
	id := c.Param("id")

	if err := reg.OpenConversation(c.Request.Context(), id); err != nil {
		// 期间被另一次打开替换，不算失败
		if appErrors.Is(err, appErrors.ErrStaleResult) {
			response.Success(c, nil)
			return
		}
		response.ErrorFromAppError(c, err)
		return
	}

	snap, err := reg.Snapshot(id)
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, snap)
}

// Close 关闭会话
// POST /api/v1/conversations/:id/close
func (h *ConversationHandler) Close(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}
	reg.CloseConversation(c.Param("id"))
	response.Success(c, nil)
}

// Messages 当前有序视图；带 version 和 wait 时长轮询直到版本变化
// GET /api/v1/conversations/:id/messages?version=N&wait=seconds
func (h *ConversationHandler) Messages(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}
	id := c.Param("id")

	wait, err := h.waitParam(c)
	if err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	versionStr := c.Query("version")
	if versionStr == "" || wait == 0 {
		snap, err := reg.Snapshot(id)
		if err != nil {
			response.ErrorFromAppError(c, err)
			return
		}
		response.Success(c, snap)
		return
	}

	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		response.InvalidParams(c, "version 必须是非负整数")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	snap, err := reg.WaitChange(ctx, id, version)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, snap)
}

// More 向前翻页
// POST /api/v1/conversations/:id/messages/more
func (h *ConversationHandler) More(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	snap, err := reg.LoadMore(c.Request.Context(), c.Param("id"))
	if err != nil {
		if appErrors.Is(err, appErrors.ErrStaleResult) {
			response.Success(c, nil)
			return
		}
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, snap)
}

// Send 发送消息
// POST /api/v1/conversations/:id/messages
func (h *ConversationHandler) Send(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	if req.ReplyToID != nil && strings.TrimSpace(*req.ReplyToID) == "" {
		req.ReplyToID = nil
	}

	msg, err := reg.Send(c.Request.Context(), c.Param("id"), req.Text, req.ReplyToID)
	if err != nil {
		h.logger.Warn("Send failed",
			"conversationId", c.Param("id"),
			"userId", middleware.GetUserID(c),
			"retryable", appErrors.IsRetryable(err),
			"error", err)
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, msg)
}

// SetTyping 上报本端输入状态
// POST /api/v1/conversations/:id/typing
func (h *ConversationHandler) SetTyping(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	reg.SetTyping(c.Param("id"), req.Typing)
	response.Success(c, nil)
}

// GetTyping 会话中其他正在输入的用户；带 wait 时等待一次变化
// GET /api/v1/conversations/:id/typing?wait=seconds
func (h *ConversationHandler) GetTyping(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}
	id := c.Param("id")

	wait, err := h.waitParam(c)
	if err != nil {
		response.InvalidParams(c, err.Error())
		return
	}
	if wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		err := h.sessions.WaitTyping(ctx, id)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			response.ErrorFromAppError(c, err)
			return
		}
	}
	response.Success(c, gin.H{"users": reg.GetTypingUsers(id)})
}

// MarkRead 标记已读到当前视图的最后一条
// POST /api/v1/conversations/:id/read
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	last, err := reg.MarkRead(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.ErrorFromAppError(c, err)
		return
	}
	response.Success(c, gin.H{"last_read_msg_id": last})
}

// ReadState 查询已读状态
// GET /api/v1/conversations/:id/read
func (h *ConversationHandler) ReadState(c *gin.Context) {
	if h.reads == nil {
		response.ErrorFromAppError(c, appErrors.ErrServerError)
		return
	}
	state, err := h.reads.Get(c.Request.Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		response.ErrorFromAppError(c, appErrors.ErrServerError.Wrap(err))
		return
	}
	response.Success(c, state)
}

func (h *ConversationHandler) waitParam(c *gin.Context) (time.Duration, error) {
	s := c.Query("wait")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("wait 必须是非负整数秒")
	}
	return min(time.Duration(n)*time.Second, h.maxWait), nil
}
