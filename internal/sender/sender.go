package sender

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Store 持久化发送接口，确认写入后返回带存储 ID 的消息
type Store interface {
	SendMessage(ctx context.Context, req model.SendRequest) (model.Message, error)
}

// Admitter 接收发送成功的消息并直接并入会话流
type Admitter interface {
	AdmitSent(ctx context.Context, msg model.Message)
}

// Sender 乐观发送：写入成功后立即并入本地会话流，不等待推送回显
type Sender struct {
	store      Store
	admitter   Admitter
	senderName string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New 创建发送器
func New(store Store, admitter Admitter, senderName string, m *metrics.Metrics) *Sender {
	return &Sender{
		store:      store,
		admitter:   admitter,
		senderName: senderName,
		metrics:    m,
		logger:     slog.Default(),
	}
}

// Send 发送一条文本消息
// 失败时不向会话流写入任何内容；成功后的推送回显由去重吸收
func (s *Sender) Send(ctx context.Context, conversationID, senderID, text string, replyToID *string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, appErrors.ErrEmptyMessage
	}
	if conversationID == "" || senderID == "" {
		return model.Message{}, appErrors.ErrInvalidParams
	}

	req := model.SendRequest{
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     s.senderName,
		Text:           text,
		ReplyToID:      replyToID,
		ClientMsgID:    uuid.NewString(),
	}

	msg, err := s.store.SendMessage(ctx, req)
	if err != nil {
		s.metrics.SendFailure()
		s.logger.Warn("Failed to send message",
			"conversationId", conversationID,
			"senderId", senderID,
			"clientMsgId", req.ClientMsgID,
			"error", err)
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return model.Message{}, err
		}
		return model.Message{}, appErrors.ErrSendFailed.Wrap(err)
	}
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = req.ClientMsgID
	}

	s.logger.Debug("Message sent",
		"conversationId", conversationID,
		"msgId", msg.ID,
		"clientMsgId", msg.ClientMsgID)

	if s.admitter != nil {
		s.admitter.AdmitSent(ctx, msg)
	}
	return msg, nil
}
