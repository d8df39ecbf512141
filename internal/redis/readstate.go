package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.chatsync/internal/model"
)

// ReadStateKeyPrefix 已读状态 Key 前缀
// Key: im:chat:read:{userId}:{conversationId}
const ReadStateKeyPrefix = "im:chat:read:"

// BuildReadStateKey 构建已读状态 Key
func BuildReadStateKey(userID, conversationID string) string {
	return fmt.Sprintf("%s%s:%s", ReadStateKeyPrefix, userID, conversationID)
}

// ReadStateStore 会话已读状态（Redis Hash）
type ReadStateStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewReadStateStore 创建已读状态存储
func NewReadStateStore(client *redis.Client) *ReadStateStore {
	return &ReadStateStore{
		client: client,
		logger: slog.Default(),
	}
}

// MarkRead 清零未读数并记录最后已读消息
func (s *ReadStateStore) MarkRead(ctx context.Context, conversationID, userID, lastMsgID string) error {
	key := BuildReadStateKey(userID, conversationID)
	return s.client.HSet(ctx, key,
		"unread_count", 0,
		"last_read_msg_id", lastMsgID,
		"update_at", time.Now().UnixMilli(),
	).Err()
}

// Get 读取已读状态，不存在时返回零值
func (s *ReadStateStore) Get(ctx context.Context, conversationID, userID string) (model.ReadState, error) {
	state := model.ReadState{ConversationID: conversationID, UserID: userID}

	data, err := s.client.HGetAll(ctx, BuildReadStateKey(userID, conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return state, nil
		}
		return state, err
	}

	state.LastReadMsgID = data["last_read_msg_id"]
	if v, ok := data["unread_count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.logger.Warn("Invalid unread_count", "conversationId", conversationID, "userId", userID, "value", v)
		}
		state.UnreadCount = n
	}
	if v, ok := data["update_at"]; ok {
		state.UpdateAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return state, nil
}
