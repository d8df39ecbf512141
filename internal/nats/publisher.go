package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	appErrors "sudooom.im.chatsync/pkg/errors"

	"sudooom.im.chatsync/internal/model"
)

// Publisher 会话推送发布器
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher 创建发布器
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{
		nc:     nc,
		logger: slog.Default(),
	}
}

// PublishMessage 推送已存储的消息到会话 Subject
func (p *Publisher) PublishMessage(msg model.Message) error {
	if !validSubjectToken(msg.ConversationID) {
		return appErrors.ErrInvalidParams
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal message", "error", err)
		return err
	}

	subject := BuildMessageSubject(msg.ConversationID)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish message",
			"conversationId", msg.ConversationID,
			"msgId", msg.ID,
			"error", err)
		return err
	}

	p.logger.Debug("Published message", "subject", subject, "msgId", msg.ID)
	return nil
}

// SetTypingState 推送输入状态
func (p *Publisher) SetTypingState(ctx context.Context, conversationID, userID string, typing bool) error {
	if !validSubjectToken(conversationID) {
		return appErrors.ErrInvalidParams
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(model.TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	if err := p.nc.Publish(BuildTypingSubject(conversationID), data); err != nil {
		p.logger.Warn("Failed to publish typing state",
			"conversationId", conversationID,
			"userId", userID,
			"error", err)
		return err
	}
	return nil
}
