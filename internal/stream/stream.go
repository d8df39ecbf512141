package stream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Source 消息来源
type Source string

const (
	SourceHistory    Source = "history"
	SourceLive       Source = "live"
	SourceOptimistic Source = "optimistic"
	SourceResync     Source = "resync"
)

// State 会话流状态
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Snapshot 某一时刻的只读有序视图
type Snapshot struct {
	ConversationID string          `json:"conversationId"`
	Version        uint64          `json:"version"`
	Messages       []model.Message `json:"messages"`
	HasMore        bool            `json:"hasMore"`
	// Offline 推送通道重试预算耗尽，实时消息暂停，恢复订阅后自动补拉
	Offline bool   `json:"offline"`
	Cursor  string `json:"-"`
	State   string `json:"state"`
}

// Listener 变更监听器，在独立的通知协程中按版本顺序调用
type Listener func(Snapshot)

// mutation 一次合并请求
type mutation struct {
	source  Source
	msgs    []model.Message
	page    *model.Page // 历史页附带分页状态
	offline *bool       // 推送通道状态变化
	done    chan int    // 回传准入数量，nil 表示不等待
}

// Options 会话流配置
type Options struct {
	// BufferSize 合并通道容量
	BufferSize int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Stream 单个会话的有序去重消息流
// 所有修改都经过唯一的合并协程，读操作通过原子快照完成
type Stream struct {
	id         string
	generation uint64

	mutations chan mutation
	dedup     *Deduplicator
	list      []model.Message // 仅合并协程访问
	cursor    string          // 仅合并协程访问
	hasMore   bool            // 仅合并协程访问
	offline   bool            // 仅合并协程访问
	version   uint64          // 仅合并协程访问

	snapshot atomic.Pointer[Snapshot]
	state    atomic.Int32

	listenersMu  sync.Mutex
	listeners    map[uint64]Listener
	nextListener uint64

	// 待通知的快照，由通知协程消费，合并协程从不等待监听器
	pendingMu sync.Mutex
	pending   []Snapshot
	wake      chan struct{}

	changedMu sync.Mutex
	changed   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New 创建会话流并启动合并协程
func New(conversationID string, generation uint64, opts Options) *Stream {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		id:         conversationID,
		generation: generation,
		mutations:  make(chan mutation, opts.BufferSize),
		dedup:      NewDeduplicator(),
		hasMore:    true,
		listeners:  make(map[uint64]Listener),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("conversationId", conversationID, "generation", generation),
	}
	s.storeSnapshot()

	go s.run()
	go s.dispatch()
	return s
}

// ID 会话ID
func (s *Stream) ID() string {
	return s.id
}

// Generation 打开代数，用于识别过期结果
func (s *Stream) Generation() uint64 {
	return s.generation
}

// Context 会话流生命周期上下文，关闭时取消（用于取消进行中的历史拉取）
func (s *Stream) Context() context.Context {
	return s.ctx
}

// State 当前状态
func (s *Stream) State() State {
	return State(s.state.Load())
}

// MarkLoading unloaded -> loading
func (s *Stream) MarkLoading() bool {
	return s.state.CompareAndSwap(int32(StateUnloaded), int32(StateLoading))
}

// Snapshot 当前有序视图
func (s *Stream) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Messages 当前有序消息列表副本
func (s *Stream) Messages() []model.Message {
	return slices.Clone(s.snapshot.Load().Messages)
}

// OnChange 注册变更监听，返回取消函数
func (s *Stream) OnChange(l Listener) func() {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// WaitChange 阻塞直到版本号不同于 version，或上下文结束/流关闭
func (s *Stream) WaitChange(ctx context.Context, version uint64) (Snapshot, error) {
	for {
		s.changedMu.Lock()
		ch := s.changed
		s.changedMu.Unlock()

		snap := s.Snapshot()
		if snap.Version != version {
			return snap, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-s.done:
			return s.Snapshot(), appErrors.ErrStreamClosed
		}
	}
}

// Merge 合并一批消息并等待结果，返回准入数量
func (s *Stream) Merge(ctx context.Context, source Source, msgs ...model.Message) (int, error) {
	return s.submit(ctx, mutation{source: source, msgs: msgs, done: make(chan int, 1)})
}

// MergePage 合并一页历史消息并更新分页状态
func (s *Stream) MergePage(ctx context.Context, source Source, page model.Page) (int, error) {
	return s.submit(ctx, mutation{source: source, msgs: page.Messages, page: &page, done: make(chan int, 1)})
}

// Deliver 投递一条推送消息，不等待合并结果
func (s *Stream) Deliver(msg model.Message) {
	select {
	case s.mutations <- mutation{source: SourceLive, msgs: []model.Message{msg}}:
	case <-s.ctx.Done():
		s.metrics.Stale(string(SourceLive))
		s.logger.Debug("Dropped live event for closed stream", "msgId", msg.ID)
	}
}

// SetOffline 标记推送通道中断或恢复，不等待合并结果
func (s *Stream) SetOffline(offline bool) {
	select {
	case s.mutations <- mutation{offline: &offline}:
	case <-s.ctx.Done():
	}
}

func (s *Stream) submit(ctx context.Context, m mutation) (int, error) {
	select {
	case s.mutations <- m:
	case <-s.ctx.Done():
		return 0, appErrors.ErrStreamClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case n := <-m.done:
		return n, nil
	case <-s.done:
		return 0, appErrors.ErrStreamClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close 关闭会话流，等待合并协程退出；之后的投递全部丢弃
// 不等待通知协程：正在执行的监听器可以安全地回调注册表
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel()
		<-s.done
		s.storeSnapshot()

		s.changedMu.Lock()
		close(s.changed)
		s.changed = make(chan struct{})
		s.changedMu.Unlock()

		s.listenersMu.Lock()
		clear(s.listeners)
		s.listenersMu.Unlock()

		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
	})
}

// Closed 是否已关闭
func (s *Stream) Closed() bool {
	return s.State() == StateClosed
}

// run 合并协程，唯一的写入者
func (s *Stream) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.mutations:
			// 关闭信号优先，避免关闭后还有修改生效
			if s.ctx.Err() != nil {
				return
			}
			n := s.apply(m)
			if m.done != nil {
				m.done <- n
			}
		}
	}
}

// apply 去重 -> 按序插入 -> 发布快照 -> 通知监听者
func (s *Stream) apply(m mutation) int {
	admitted := 0
	for i := range m.msgs {
		msg := &m.msgs[i]
		if msg.ID == "" || msg.ConversationID != s.id {
			s.metrics.Rejected(string(m.source))
			s.logger.Warn("Rejected message",
				"source", m.source,
				"msgId", msg.ID,
				"msgConversationId", msg.ConversationID)
			continue
		}
		if !s.dedup.Admit(msg) {
			s.metrics.Duplicate(string(m.source))
			continue
		}
		pos := insertPosition(s.list, msg)
		s.list = slices.Insert(s.list, pos, msg.Clone())
		admitted++
	}

	stateChanged := false
	// 补偿拉取的是最新一页，不影响向前翻页的游标
	if m.page != nil && m.source == SourceHistory {
		if s.cursor != m.page.NextCursor || s.hasMore != m.page.HasMore {
			s.cursor = m.page.NextCursor
			s.hasMore = m.page.HasMore
			stateChanged = true
		}
		if s.state.CompareAndSwap(int32(StateLoading), int32(StateReady)) {
			stateChanged = true
		}
	}
	if m.offline != nil && *m.offline != s.offline {
		s.offline = *m.offline
		stateChanged = true
	}

	if admitted == 0 && !stateChanged {
		return 0
	}

	s.metrics.Admitted(string(m.source), admitted)
	s.version++
	snap := s.storeSnapshot()
	s.notify(snap)

	s.logger.Debug("Merged mutation",
		"source", m.source,
		"admitted", admitted,
		"total", len(s.list),
		"version", s.version)
	return admitted
}

func (s *Stream) storeSnapshot() Snapshot {
	snap := &Snapshot{
		ConversationID: s.id,
		Version:        s.version,
		Messages:       slices.Clone(s.list),
		HasMore:        s.hasMore,
		Offline:        s.offline,
		Cursor:         s.cursor,
		State:          s.State().String(),
	}
	if snap.Messages == nil {
		snap.Messages = []model.Message{}
	}
	s.snapshot.Store(snap)
	return *snap
}

// notify 唤醒长轮询并把快照排入通知队列
func (s *Stream) notify(snap Snapshot) {
	s.changedMu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.changedMu.Unlock()

	s.pendingMu.Lock()
	s.pending = append(s.pending, snap)
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch 通知协程，按入队顺序调用监听器，关闭后丢弃未通知的快照
func (s *Stream) dispatch() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.pendingMu.Lock()
			batch := s.pending
			s.pending = nil
			s.pendingMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, snap := range batch {
				if s.ctx.Err() != nil {
					return
				}
				for _, l := range s.listenerList() {
					l(snap)
				}
			}
		}
	}
}

func (s *Stream) listenerList() []Listener {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}
