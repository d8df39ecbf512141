package nats

import "strings"

// NATS Subject 定义
const (
	// SubjectChatPrefix 会话推送前缀
	SubjectChatPrefix = "im.chat."

	subjectMessageSuffix = ".message"
	subjectTypingSuffix  = ".typing"
)

// BuildMessageSubject 构建会话消息推送 Subject
func BuildMessageSubject(conversationID string) string {
	return SubjectChatPrefix + conversationID + subjectMessageSuffix
}

// BuildTypingSubject 构建会话输入状态 Subject
func BuildTypingSubject(conversationID string) string {
	return SubjectChatPrefix + conversationID + subjectTypingSuffix
}

// validSubjectToken 会话 ID 作为 Subject 片段时不能包含分隔符和通配符
func validSubjectToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}
