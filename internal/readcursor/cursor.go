package readcursor

import (
	"context"
	"log/slog"
	"sync"
)

// Marker 已读位置的持久化接口
type Marker interface {
	MarkRead(ctx context.Context, conversationID, userID, lastMsgID string) error
}

type key struct {
	conversationID string
	userID         string
}

// Cursor 每个 (会话, 用户) 的已读位置
// 重复标记同一条消息不会再调用 Marker
type Cursor struct {
	mu     sync.Mutex
	marks  map[key]string
	marker Marker
	logger *slog.Logger
}

// New 创建已读游标
func New(marker Marker) *Cursor {
	return &Cursor{
		marks:  make(map[key]string),
		marker: marker,
		logger: slog.Default(),
	}
}

// MarkRead 标记已读到 lastMsgID；返回是否实际写入
func (c *Cursor) MarkRead(ctx context.Context, conversationID, userID, lastMsgID string) (bool, error) {
	if lastMsgID == "" {
		return false, nil
	}
	k := key{conversationID, userID}

	c.mu.Lock()
	if c.marks[k] == lastMsgID {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if err := c.marker.MarkRead(ctx, conversationID, userID, lastMsgID); err != nil {
		c.logger.Warn("Failed to mark conversation read",
			"conversationId", conversationID,
			"userId", userID,
			"lastMsgId", lastMsgID,
			"error", err)
		return false, err
	}

	c.mu.Lock()
	c.marks[k] = lastMsgID
	c.mu.Unlock()

	c.logger.Debug("Conversation marked read",
		"conversationId", conversationID,
		"userId", userID,
		"lastMsgId", lastMsgID)
	return true, nil
}

// Get 已记录的最后已读消息ID
func (c *Cursor) Get(conversationID, userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.marks[key{conversationID, userID}]
	return id, ok
}

// Forget 清除某用户的全部已读记录（会话管理器回收账号时调用）
func (c *Cursor) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.marks {
		if k.userID == userID {
			delete(c.marks, k)
		}
	}
}
