package model

// ReadState 用户在会话中的已读位置（存储在 Redis）
type ReadState struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	LastReadMsgID  string `json:"last_read_msg_id"` // 最后已读消息ID
	UnreadCount    int    `json:"unread_count"`     // 未读数
	UpdateAt       int64  `json:"update_at"`        // 更新时间（毫秒）
}

// TypingEvent 输入状态事件（推送通道上传输）
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
	Timestamp      int64  `json:"timestamp"`
}
