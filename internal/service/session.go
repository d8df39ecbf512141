package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chatsync/internal/history"
	"sudooom.im.chatsync/internal/livefeed"
	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/readcursor"
	"sudooom.im.chatsync/internal/sender"
	"sudooom.im.chatsync/internal/stream"
	"sudooom.im.chatsync/internal/task"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Config 会话管理配置
type Config struct {
	// IdleTimeout 账号无请求超过该时长后回收其注册表，<=0 不回收
	IdleTimeout time.Duration
	Stream      stream.Options
	LiveFeed    livefeed.Config
}

// Deps 所有账号共用的组件
type Deps struct {
	Loader    *history.Loader
	Transport livefeed.Transport
	Store     sender.Store
	Presence  *presence.Tracker
	Reads     *readcursor.Cursor
	Scheduler *task.Scheduler
	Metrics   *metrics.Metrics
}

type session struct {
	registry *stream.Registry
	feed     *livefeed.Feed
	version  int64
}

// SessionManager 每个已认证账号一个注册表和一个推送挂载管理器
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	deps   Deps
	cfg    Config
	logger *slog.Logger
}

// NewSessionManager 创建会话管理器
func NewSessionManager(deps Deps, cfg Config) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session),
		deps:     deps,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// Acquire 获取账号的注册表，不存在时创建；每次调用都会刷新空闲计时
func (m *SessionManager) Acquire(accountID, accountName string) (*stream.Registry, error) {
	if accountID == "" {
		return nil, appErrors.ErrInvalidParams
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, appErrors.ErrStreamClosed
	}

	s, ok := m.sessions[accountID]
	if !ok {
		feed := livefeed.New(m.deps.Transport, m.cfg.LiveFeed, m.deps.Metrics)
		reg := stream.NewRegistry(accountID, accountName, stream.Deps{
			Loader:   m.deps.Loader.ForAccount(accountID),
			Feed:     feed,
			Store:    m.deps.Store,
			Presence: m.deps.Presence,
			Reads:    m.deps.Reads,
			Metrics:  m.deps.Metrics,
		}, m.cfg.Stream)
		s = &session{registry: reg, feed: feed}
		m.sessions[accountID] = s
		m.logger.Info("Session created", "accountId", accountID, "sessions", len(m.sessions))
	}

	s.version++
	m.scheduleIdleLocked(accountID, s.version)
	return s.registry, nil
}

// Lookup 查找已存在的注册表
func (m *SessionManager) Lookup(accountID string) (*stream.Registry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return nil, false
	}
	return s.registry, true
}

// Release 回收账号的注册表：关闭会话流并卸载全部推送
func (m *SessionManager) Release(accountID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if ok {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if m.deps.Scheduler != nil {
		m.deps.Scheduler.Cancel(idleTaskID(accountID))
	}
	m.closeSession(s)
	return true
}

// Count 当前会话数
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close 关闭全部会话，之后 Acquire 返回 ErrStreamClosed
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for accountID, s := range sessions {
		if m.deps.Scheduler != nil {
			m.deps.Scheduler.Cancel(idleTaskID(accountID))
		}
		m.closeSession(s)
	}
	m.logger.Info("All sessions closed", "count", len(sessions))
}

// WaitTyping 阻塞到会话的输入状态发生变化或 ctx 结束
func (m *SessionManager) WaitTyping(ctx context.Context, conversationID string) error {
	if m.deps.Presence == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	changed := make(chan struct{}, 1)
	cancel := m.deps.Presence.OnChange(func(convID string, _ []string) {
		if convID != conversationID {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) closeSession(s *session) {
	accountID := s.registry.AccountID()
	s.registry.Close()
	s.feed.Close()
	if m.deps.Reads != nil {
		m.deps.Reads.Forget(accountID)
	}
	m.logger.Info("Session released", "accountId", accountID)
}

func (m *SessionManager) scheduleIdleLocked(accountID string, version int64) {
	if m.deps.Scheduler == nil || m.cfg.IdleTimeout <= 0 {
		return
	}
	tk := task.NewTask(idleTaskID(accountID), accountID, m.deps.Scheduler.TicksFor(m.cfg.IdleTimeout), m.expireIdle).
		WithVersion(version)
	if err := m.deps.Scheduler.Schedule(tk); err != nil {
		m.logger.Error("Failed to schedule session idle expiry", "accountId", accountID, "error", err)
	}
}

// expireIdle 版本号不一致说明期间有新请求，忽略
func (m *SessionManager) expireIdle(ctx context.Context, tk *task.Task) error {
	accountID := tk.Target

	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok || s.version != tk.Version {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, accountID)
	m.mu.Unlock()

	m.logger.Info("Session idle timeout", "accountId", accountID, "idle", m.cfg.IdleTimeout)
	m.closeSession(s)
	return nil
}

func idleTaskID(accountID string) string {
	return "session:" + accountID
}
