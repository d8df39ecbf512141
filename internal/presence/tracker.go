package presence

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/task"
)

// Signaler 输入状态的外发通道，发出即忘
type Signaler interface {
	SetTypingState(ctx context.Context, conversationID, userID string, isTyping bool) error
}

// Config 输入状态配置
type Config struct {
	// TTL 没有新的输入信号时，超过该时长自动回到 idle
	TTL           time.Duration `mapstructure:"ttl"`
	SignalTimeout time.Duration `mapstructure:"signal_timeout"`
}

// ChangeFunc 某会话输入中用户集合变化的回调
type ChangeFunc func(conversationID string, typingUsers []string)

type entry struct {
	version    int64
	local      bool      // 本端用户产生的状态，过期时需要外发 idle
	signaledAt time.Time // 本端最近一次外发 typing 的时间
}

// Tracker 每个 (会话, 用户) 一个 idle/typing 状态机，仅存内存
type Tracker struct {
	mu      sync.Mutex
	convs   map[string]map[string]*entry
	version int64

	listenersMu  sync.Mutex
	listeners    map[uint64]ChangeFunc
	nextListener uint64

	scheduler *task.Scheduler
	signaler  Signaler
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New 创建输入状态跟踪器，scheduler 需已启动
func New(scheduler *task.Scheduler, signaler Signaler, cfg Config, m *metrics.Metrics) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 3 * time.Second
	}
	return &Tracker{
		convs:     make(map[string]map[string]*entry),
		listeners: make(map[uint64]ChangeFunc),
		scheduler: scheduler,
		signaler:  signaler,
		cfg:       cfg,
		metrics:   m,
		logger:    slog.Default(),
	}
}

// SetTyping 本端用户的输入状态
// 状态变化时外发信号；持续输入时每隔半个 TTL 重发一次 typing，避免远端过期
func (t *Tracker) SetTyping(conversationID, userID string, isTyping bool) {
	if t.set(conversationID, userID, isTyping, true) {
		t.signal(conversationID, userID, isTyping)
	}
}

// Apply 应用远端推送的输入状态事件，不外发
func (t *Tracker) Apply(ev model.TypingEvent) {
	t.set(ev.ConversationID, ev.UserID, ev.Typing, false)
}

// GetTyping 会话中正在输入的用户（按ID排序）
func (t *Tracker) GetTyping(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked(conversationID)
}

// OnChange 注册变更回调，返回取消函数
func (t *Tracker) OnChange(fn ChangeFunc) func() {
	t.listenersMu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

// set 返回是否需要外发信号（只对本端调用有意义）
func (t *Tracker) set(conversationID, userID string, isTyping, local bool) bool {
	if conversationID == "" || userID == "" {
		return false
	}

	t.mu.Lock()
	users := t.convs[conversationID]
	e, wasTyping := users[userID]

	if !isTyping {
		if !wasTyping {
			t.mu.Unlock()
			return false
		}
		t.removeLocked(conversationID, userID)
		t.scheduler.Cancel(timerID(conversationID, userID))
		snapshot := t.usersLocked(conversationID)
		t.mu.Unlock()

		t.metrics.TypingDelta(-1)
		t.notify(conversationID, snapshot)
		return true
	}

	// typing：刷新版本号并重置过期任务
	t.version++
	v := t.version
	if !wasTyping {
		if users == nil {
			users = make(map[string]*entry)
			t.convs[conversationID] = users
		}
		e = &entry{}
		users[userID] = e
	}
	e.version = v
	e.local = e.local || local
	resend := false
	if local {
		now := time.Now()
		resend = wasTyping && now.Sub(e.signaledAt) >= t.cfg.TTL/2
		if !wasTyping || resend {
			e.signaledAt = now
		}
	}
	// 在锁内调度，保证轮上的任务总是最新版本
	t.scheduleExpiry(conversationID, userID, v)
	snapshot := t.usersLocked(conversationID)
	t.mu.Unlock()

	if wasTyping {
		return resend
	}
	t.metrics.TypingDelta(1)
	t.notify(conversationID, snapshot)
	return true
}

func (t *Tracker) scheduleExpiry(conversationID, userID string, version int64) {
	target := conversationID + "\x00" + userID
	tk := task.NewTask(timerID(conversationID, userID), target, t.scheduler.TicksFor(t.cfg.TTL), t.expire).
		WithVersion(version)
	if err := t.scheduler.Schedule(tk); err != nil {
		t.logger.Error("Failed to schedule typing expiry",
			"conversationId", conversationID,
			"userId", userID,
			"error", err)
	}
}

// expire 过期任务：版本号不一致说明期间有新的输入信号，忽略
func (t *Tracker) expire(ctx context.Context, tk *task.Task) error {
	conversationID, userID := splitTarget(tk.Target)

	t.mu.Lock()
	e, ok := t.convs[conversationID][userID]
	if !ok || e.version != tk.Version {
		t.mu.Unlock()
		return nil
	}
	local := e.local
	t.removeLocked(conversationID, userID)
	snapshot := t.usersLocked(conversationID)
	t.mu.Unlock()

	t.logger.Debug("Typing state expired",
		"conversationId", conversationID,
		"userId", userID)
	t.metrics.TypingDelta(-1)
	t.notify(conversationID, snapshot)
	if local {
		t.signal(conversationID, userID, false)
	}
	return nil
}

func (t *Tracker) removeLocked(conversationID, userID string) {
	users := t.convs[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.convs, conversationID)
	}
}

func (t *Tracker) usersLocked(conversationID string) []string {
	users := t.convs[conversationID]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Tracker) notify(conversationID string, users []string) {
	t.listenersMu.Lock()
	fns := make([]ChangeFunc, 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenersMu.Unlock()

	for _, fn := range fns {
		fn(conversationID, users)
	}
}

func (t *Tracker) signal(conversationID, userID string, isTyping bool) {
	if t.signaler == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SignalTimeout)
		defer cancel()
		if err := t.signaler.SetTypingState(ctx, conversationID, userID, isTyping); err != nil {
			t.logger.Warn("Failed to send typing signal",
				"conversationId", conversationID,
				"userId", userID,
				"typing", isTyping,
				"error", err)
		}
	}()
}

func timerID(conversationID, userID string) string {
	return "typing:" + conversationID + ":" + userID
}

func splitTarget(target string) (string, string) {
	conversationID, userID, _ := strings.Cut(target, "\x00")
	return conversationID, userID
}
