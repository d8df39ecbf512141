package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"sudooom.im.chatsync/internal/livefeed"
	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/sender"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// PageLoader 历史分页
type PageLoader interface {
	LoadPage(ctx context.Context, conversationID, cursor string) (model.Page, error)
	Prefetch(ctx context.Context, conversationID, cursor string) (model.Page, error)
}

// LiveFeed 推送挂载
type LiveFeed interface {
	Attach(conversationID string, onEvent func(model.Message), opts ...livefeed.Option) *livefeed.Handle
	Detach(h *livefeed.Handle)
}

// Presence 输入状态
type Presence interface {
	SetTyping(conversationID, userID string, isTyping bool)
	Apply(ev model.TypingEvent)
	GetTyping(conversationID string) []string
}

// ReadMarker 已读游标
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID, lastMsgID string) (bool, error)
}

// Deps 注册表依赖
type Deps struct {
	Loader   PageLoader
	Feed     LiveFeed
	Store    sender.Store
	Presence Presence
	Reads    ReadMarker
	Metrics  *metrics.Metrics
}

type slot struct {
	stream      *Stream
	handle      *livefeed.Handle
	loadingMore atomic.Bool
}

// Registry 一个账号（一个视图槽位）的会话流注册表
// 同一时刻只有一个活跃会话；打开新会话前先关闭旧会话并卸载其推送
type Registry struct {
	accountID string

	mu         sync.Mutex
	current    *slot
	generation uint64
	closed     bool

	loader   PageLoader
	feed     LiveFeed
	sender   *sender.Sender
	presence Presence
	reads    ReadMarker

	streamOpts Options
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRegistry 创建注册表
func NewRegistry(accountID, accountName string, deps Deps, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = deps.Metrics
	}
	r := &Registry{
		accountID:  accountID,
		loader:     deps.Loader,
		feed:       deps.Feed,
		presence:   deps.Presence,
		reads:      deps.Reads,
		streamOpts: opts,
		metrics:    deps.Metrics,
		logger:     opts.Logger.With("accountId", accountID),
	}
	r.sender = sender.New(deps.Store, r, accountName, deps.Metrics)
	return r
}

// AccountID 所属账号
func (r *Registry) AccountID() string {
	return r.accountID
}

// OpenConversation 打开会话：关闭当前会话 -> 挂载推送 -> 拉取第一页历史
// 已经是当前会话时直接返回
func (r *Registry) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return appErrors.ErrInvalidParams
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return appErrors.ErrStreamClosed
	}
	if r.current != nil && r.current.stream.ID() == conversationID {
		r.mu.Unlock()
		return nil
	}

	prev := r.current
	r.current = nil
	if prev != nil {
		r.teardown(prev)
	}

	r.generation++
	st := New(conversationID, r.generation, r.streamOpts)
	st.MarkLoading()
	a := &slot{stream: st}
	// 挂载先于首页拉取，拉取期间到达的推送不会丢
	a.handle = r.feed.Attach(conversationID, st.Deliver,
		livefeed.OnSubscribed(func(resubscribed bool) {
			st.SetOffline(false)
			reason := "subscribed"
			if resubscribed {
				reason = "resubscribed"
			}
			r.resync(st, reason)
		}),
		livefeed.OnCatchUp(func() { r.resync(st, "periodic") }),
		livefeed.OnGiveUp(func(err error) {
			r.logger.Error("Live feed retry budget exhausted, conversation marked offline",
				"conversationId", conversationID,
				"error", err)
			st.SetOffline(true)
		}),
		livefeed.WithTyping(r.applyTyping),
	)
	r.current = a
	r.mu.Unlock()

	r.metrics.StreamOpened()
	r.logger.Info("Conversation opened",
		"conversationId", conversationID,
		"generation", st.Generation())

	loadCtx, cancel := mergeContext(ctx, st.Context())
	defer cancel()

	page, err := r.loader.LoadPage(loadCtx, conversationID, "")
	if r.isStale(st) {
		r.metrics.Stale(string(SourceHistory))
		r.logger.Debug("Discarded stale first page", "conversationId", conversationID)
		return appErrors.ErrStaleResult
	}
	if err != nil {
		// 首页失败：回到未打开状态，由调用方重试
		r.closeIf(a)
		return err
	}

	if _, err := st.MergePage(ctx, SourceHistory, page); err != nil {
		if appErrors.Is(err, appErrors.ErrStreamClosed) {
			return appErrors.ErrStaleResult
		}
		return err
	}
	return nil
}

// CloseConversation 关闭会话：取消进行中的拉取并卸载推送，不取消发送
func (r *Registry) CloseConversation(conversationID string) {
	r.mu.Lock()
	a := r.current
	if a == nil || a.stream.ID() != conversationID {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.teardown(a)
	r.mu.Unlock()
}

// Close 关闭注册表（账号下线或进程退出）
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.current != nil {
		r.teardown(r.current)
		r.current = nil
	}
}

// GetOrderedMessages 当前有序去重视图
func (r *Registry) GetOrderedMessages(conversationID string) ([]model.Message, error) {
	st := r.stream(conversationID)
	if st == nil {
		return nil, appErrors.ErrConversationNotOpen
	}
	return st.Messages(), nil
}

// Snapshot 当前快照
func (r *Registry) Snapshot(conversationID string) (Snapshot, error) {
	st := r.stream(conversationID)
	if st == nil {
		return Snapshot{}, appErrors.ErrConversationNotOpen
	}
	return st.Snapshot(), nil
}

// OnChange 注册变更监听，每次视图变化时按版本顺序回调
// 监听器在会话流的通知协程中执行，可以回调注册表
func (r *Registry) OnChange(conversationID string, l Listener) (func(), error) {
	st := r.stream(conversationID)
	if st == nil {
		return nil, appErrors.ErrConversationNotOpen
	}
	return st.OnChange(l), nil
}

// WaitChange 等待版本号变化（长轮询）
func (r *Registry) WaitChange(ctx context.Context, conversationID string, version uint64) (Snapshot, error) {
	st := r.stream(conversationID)
	if st == nil {
		return Snapshot{}, appErrors.ErrConversationNotOpen
	}
	return st.WaitChange(ctx, version)
}

// LoadMore 向前翻一页；hasMore=false 后不再请求存储
func (r *Registry) LoadMore(ctx context.Context, conversationID string) (Snapshot, error) {
	a := r.active(conversationID)
	if a == nil {
		return Snapshot{}, appErrors.ErrConversationNotOpen
	}
	st := a.stream

	snap := st.Snapshot()
	if !snap.HasMore || st.State() != StateReady {
		return snap, nil
	}
	if !a.loadingMore.CompareAndSwap(false, true) {
		return snap, nil
	}
	defer a.loadingMore.Store(false)

	loadCtx, cancel := mergeContext(ctx, st.Context())
	defer cancel()

	page, err := r.loader.LoadPage(loadCtx, conversationID, snap.Cursor)
	if r.isStale(st) {
		r.metrics.Stale(string(SourceHistory))
		r.logger.Debug("Discarded stale history page", "conversationId", conversationID)
		return Snapshot{}, appErrors.ErrStaleResult
	}
	if err != nil {
		return snap, err
	}

	if _, err := st.MergePage(ctx, SourceHistory, page); err != nil {
		if appErrors.Is(err, appErrors.ErrStreamClosed) {
			return Snapshot{}, appErrors.ErrStaleResult
		}
		return snap, err
	}
	return st.Snapshot(), nil
}

// Send 发送消息；会话切换不会取消进行中的发送
func (r *Registry) Send(ctx context.Context, conversationID, text string, replyToID *string) (model.Message, error) {
	msg, err := r.sender.Send(ctx, conversationID, r.accountID, text, replyToID)
	if err != nil {
		return model.Message{}, err
	}
	if r.presence != nil {
		r.presence.SetTyping(conversationID, r.accountID, false)
	}
	return msg, nil
}

// AdmitSent 发送成功的消息直接并入当前会话流；会话已不在前台时丢弃（存储中已有权威副本）
func (r *Registry) AdmitSent(ctx context.Context, msg model.Message) {
	st := r.stream(msg.ConversationID)
	if st == nil {
		r.metrics.Stale(string(SourceOptimistic))
		r.logger.Debug("Dropped sent message for inactive conversation",
			"conversationId", msg.ConversationID,
			"msgId", msg.ID)
		return
	}
	if _, err := st.Merge(context.WithoutCancel(ctx), SourceOptimistic, msg); err != nil {
		r.metrics.Stale(string(SourceOptimistic))
		r.logger.Debug("Dropped sent message for closed stream",
			"conversationId", msg.ConversationID,
			"msgId", msg.ID,
			"error", err)
	}
}

// SetTyping 本端输入状态
func (r *Registry) SetTyping(conversationID string, isTyping bool) {
	if r.presence == nil {
		return
	}
	r.presence.SetTyping(conversationID, r.accountID, isTyping)
}

// GetTypingUsers 会话中其他正在输入的用户
func (r *Registry) GetTypingUsers(conversationID string) []string {
	if r.presence == nil {
		return []string{}
	}
	users := r.presence.GetTyping(conversationID)
	return slices.DeleteFunc(users, func(id string) bool { return id == r.accountID })
}

// MarkRead 标记已读到当前视图的最后一条消息
func (r *Registry) MarkRead(ctx context.Context, conversationID string) (string, error) {
	st := r.stream(conversationID)
	if st == nil {
		return "", appErrors.ErrConversationNotOpen
	}
	msgs := st.Snapshot().Messages
	if len(msgs) == 0 || r.reads == nil {
		return "", nil
	}
	last := msgs[len(msgs)-1].ID
	if _, err := r.reads.MarkRead(ctx, conversationID, r.accountID, last); err != nil {
		return "", err
	}
	return last, nil
}

// resync 补拉最新一页：订阅生效后覆盖断线或订阅建立前的空窗，定期补拉覆盖推送丢失
func (r *Registry) resync(st *Stream, reason string) {
	if r.isStale(st) {
		return
	}
	page, err := r.loader.Prefetch(st.Context(), st.ID(), "")
	if r.isStale(st) {
		r.metrics.Stale(string(SourceResync))
		return
	}
	if err != nil {
		r.logger.Error("Resync failed",
			"conversationId", st.ID(),
			"reason", reason,
			"error", err)
		return
	}
	n, err := st.MergePage(st.Context(), SourceResync, page)
	if err != nil {
		r.metrics.Stale(string(SourceResync))
		return
	}
	if n > 0 {
		r.logger.Info("Resync recovered messages",
			"conversationId", st.ID(),
			"count", n,
			"reason", reason)
	}
}

func (r *Registry) applyTyping(ev model.TypingEvent) {
	// 自己的输入状态回显
	if ev.UserID == r.accountID || r.presence == nil {
		return
	}
	r.presence.Apply(ev)
}

// teardown 调用方持有 r.mu
// 先关闭会话流再卸载推送，卸载返回后旧会话不会再有任何写入
func (r *Registry) teardown(a *slot) {
	a.stream.Close()
	r.feed.Detach(a.handle)
	r.metrics.StreamClosed()
	r.logger.Info("Conversation closed",
		"conversationId", a.stream.ID(),
		"generation", a.stream.Generation())
}

func (r *Registry) closeIf(a *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == a {
		r.current = nil
		r.teardown(a)
	}
}

func (r *Registry) active(conversationID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.stream.ID() != conversationID {
		return nil
	}
	return r.current
}

func (r *Registry) stream(conversationID string) *Stream {
	if a := r.active(conversationID); a != nil {
		return a.stream
	}
	return nil
}

// isStale 发起请求的会话流已被关闭或替换
func (r *Registry) isStale(st *Stream) bool {
	return r.stream(st.ID()) != st
}

// mergeContext 任一上下文结束即取消
func mergeContext(parent, lifetime context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
