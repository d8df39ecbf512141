package history

import (
	"encoding/base64"
	"encoding/json"
	"time"

	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Cursor 历史翻页位置：本页最早一条消息的 (created_at, id)
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// EncodeCursor 编码为不透明字符串
func EncodeCursor(c Cursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor 空字符串表示从最新一页开始
func DecodeCursor(s string) (Cursor, bool, error) {
	var c Cursor
	if s == "" {
		return c, false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, false, appErrors.ErrInvalidCursor.Wrap(err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, false, appErrors.ErrInvalidCursor.Wrap(err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return c, false, appErrors.ErrInvalidCursor
	}
	return c, true, nil
}
