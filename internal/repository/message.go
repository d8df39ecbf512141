package repository

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chatsync/internal/history"
	"sudooom.im.chatsync/internal/model"
	appErrors "sudooom.im.chatsync/pkg/errors"
	"sudooom.im.chatsync/pkg/snowflake"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPageSize 每页默认条数
const DefaultPageSize = 50

// Publisher 消息落库后推送
type Publisher interface {
	PublishMessage(msg model.Message) error
}

// MessageRepository 会话消息仓库
type MessageRepository struct {
	db        *pgxpool.Pool
	idGen     *snowflake.Node
	publisher Publisher
	pageSize  int
	logger    *slog.Logger
}

// NewMessageRepository 创建消息仓库，publisher 可为 nil
func NewMessageRepository(db *pgxpool.Pool, idGen *snowflake.Node, publisher Publisher, pageSize int) *MessageRepository {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageRepository{
		db:        db,
		idGen:     idGen,
		publisher: publisher,
		pageSize:  pageSize,
		logger:    slog.Default(),
	}
}

// EnsureSchema 建表（幂等）
func (r *MessageRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schemaSQL)
	return err
}

// CreateConversation 创建会话并加入成员（已存在时只补充成员）
func (r *MessageRepository) CreateConversation(ctx context.Context, conversationID string, memberIDs ...string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return appErrors.ErrDBError.Wrap(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		conversationID,
	); err != nil {
		return appErrors.ErrDBError.Wrap(err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conversationID, uid,
		); err != nil {
			return appErrors.ErrDBError.Wrap(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return appErrors.ErrDBError.Wrap(err)
	}
	return nil
}

// FetchHistory 按游标倒序取一页，返回升序结果
// 游标为空表示最新一页，NextCursor 指向更早的消息
func (r *MessageRepository) FetchHistory(ctx context.Context, conversationID, accountID, cursor string) (model.Page, error) {
	c, ok, err := history.DecodeCursor(cursor)
	if err != nil {
		return model.Page{}, err
	}
	if err := r.checkMember(ctx, r.db, conversationID, accountID); err != nil {
		return model.Page{}, err
	}

	query := `
		SELECT id, conversation_id, sender_id, sender_name, text, attachments, seq, created_at, reply_to_id, client_msg_id
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id COLLATE "C" DESC
		LIMIT $2
	`
	args := []any{conversationID, r.pageSize + 1}
	if ok {
		query = `
			SELECT id, conversation_id, sender_id, sender_name, text, attachments, seq, created_at, reply_to_id, client_msg_id
			FROM chat_messages
			WHERE conversation_id = $1
			  AND (created_at < $3 OR (created_at = $3 AND id COLLATE "C" < $4))
			ORDER BY created_at DESC, id COLLATE "C" DESC
			LIMIT $2
		`
		args = append(args, c.CreatedAt, c.ID)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return model.Page{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return model.Page{}, err
	}

	page := model.Page{}
	if len(msgs) > r.pageSize {
		page.HasMore = true
		msgs = msgs[:r.pageSize]
	}
	slices.Reverse(msgs)
	page.Messages = msgs
	if page.HasMore {
		oldest := msgs[0]
		page.NextCursor = history.EncodeCursor(history.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID})
	}
	return page, nil
}

// SendMessage 落库并分配会话内 seq，同一 client_msg_id 重复提交返回已存在的消息
func (r *MessageRepository) SendMessage(ctx context.Context, req model.SendRequest) (model.Message, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return model.Message{}, err
	}
	defer tx.Rollback(ctx)

	// 行锁串行化同一会话的写入
	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE conversations SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		req.ConversationID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, appErrors.ErrConversationMissing
	}
	if err != nil {
		return model.Message{}, err
	}

	if err := r.checkMember(ctx, tx, req.ConversationID, req.SenderID); err != nil {
		return model.Message{}, err
	}

	if req.ClientMsgID != "" {
		existing, found, err := r.findByClientMsgID(ctx, tx, req)
		if err != nil {
			return model.Message{}, err
		}
		if found {
			r.logger.Debug("Duplicate send absorbed",
				"conversationId", req.ConversationID,
				"clientMsgId", req.ClientMsgID,
				"msgId", existing.ID)
			return existing, nil
		}
	}

	msg := model.Message{
		ID:             r.idGen.Generate().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Text:           model.StringPtr(req.Text),
		Seq:            model.Int64Ptr(seq),
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		ReplyToID:      req.ReplyToID,
		ClientMsgID:    req.ClientMsgID,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_messages (id, conversation_id, sender_id, sender_name, text, seq, created_at, reply_to_id, client_msg_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderName,
		msg.Text,
		msg.Seq,
		msg.CreatedAt,
		msg.ReplyToID,
		msg.ClientMsgID,
	); err != nil {
		return model.Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Message{}, err
	}

	// 推送失败不影响发送结果，订阅方的定期补拉会取回这条消息
	if r.publisher != nil {
		if err := r.publisher.PublishMessage(msg); err != nil {
			r.logger.Warn("Failed to publish stored message",
				"conversationId", msg.ConversationID,
				"msgId", msg.ID,
				"error", err)
		}
	}
	return msg, nil
}

// querier pool 和事务共用
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *MessageRepository) checkMember(ctx context.Context, q querier, conversationID, userID string) error {
	var member bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&member)
	if err != nil {
		return err
	}
	if !member {
		return appErrors.ErrNotMember
	}
	return nil
}

func (r *MessageRepository) findByClientMsgID(ctx context.Context, tx pgx.Tx, req model.SendRequest) (model.Message, bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, conversation_id, sender_id, sender_name, text, attachments, seq, created_at, reply_to_id, client_msg_id
		FROM chat_messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3
	`, req.ConversationID, req.SenderID, req.ClientMsgID)
	if err != nil {
		return model.Message{}, false, err
	}
	msg, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return msg, true, nil
}

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var msg model.Message
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.SenderName,
		&msg.Text,
		&msg.Attachments,
		&msg.Seq,
		&msg.CreatedAt,
		&msg.ReplyToID,
		&msg.ClientMsgID,
	)
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, err
}
