package model

import "time"

// Attachment 附件引用（由外部媒体服务处理，本核心只透传）
type Attachment struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Message 消息实体，一旦由存储层分配 ID 后不可变
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderName     string       `json:"senderName"`
	Text           *string      `json:"text,omitempty"`        // 纯附件消息可为空
	Attachments    []Attachment `json:"attachments,omitempty"` // 有序
	Seq            *int64       `json:"seq,omitempty"`         // 存储层写入时分配，旧数据可能没有
	CreatedAt      time.Time    `json:"createdAt"`
	ReplyToID      *string      `json:"replyToId,omitempty"`
	ClientMsgID    string       `json:"clientMsgId,omitempty"`
}

// HasSeq 是否已分配 seq
func (m *Message) HasSeq() bool {
	return m.Seq != nil
}

// Clone 深拷贝，快照对外暴露时使用
func (m Message) Clone() Message {
	out := m
	if m.Text != nil {
		t := *m.Text
		out.Text = &t
	}
	if m.Seq != nil {
		s := *m.Seq
		out.Seq = &s
	}
	if m.ReplyToID != nil {
		r := *m.ReplyToID
		out.ReplyToID = &r
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return out
}

// Page 一页历史消息（升序）
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// SendRequest 发送请求
type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	ReplyToID      *string
	ClientMsgID    string
}

// StringPtr 返回字符串指针
func StringPtr(s string) *string {
	return &s
}

// Int64Ptr 返回 int64 指针
func Int64Ptr(v int64) *int64 {
	return &v
}
