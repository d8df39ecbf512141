package livefeed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Handlers 推送通道回调
type Handlers struct {
	OnMessage func(model.Message)
	OnTyping  func(model.TypingEvent)
}

// Subscription 推送通道上的一个订阅
type Subscription interface {
	// Done 订阅因连接断开失效时关闭
	Done() <-chan struct{}
	Unsubscribe() error
}

// Transport 推送通道（投递至少一次，相对其他来源无序）
type Transport interface {
	Subscribe(ctx context.Context, conversationID string, h Handlers) (Subscription, error)
}

// Config 重新订阅的退避参数
type Config struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	// RetryBudget 单次断线后按指数退避重试的最长时间，耗尽后上报并转为按 MaxInterval 持续重试
	RetryBudget time.Duration `mapstructure:"retry_budget"`
	// CatchUpInterval 订阅正常期间定期补拉的间隔，覆盖推送通道丢失的消息；<=0 关闭
	CatchUpInterval time.Duration `mapstructure:"catch_up_interval"`
}

// DefaultConfig 默认退避参数
func DefaultConfig() Config {
	return Config{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		RetryBudget:     time.Minute,
		CatchUpInterval: 30 * time.Second,
	}
}

// Option 挂载选项
type Option func(*options)

type options struct {
	onSubscribed func(resubscribed bool)
	onGiveUp     func(error)
	onCatchUp    func()
	onTyping     func(model.TypingEvent)
}

// OnSubscribed 每次订阅生效后回调（在独立协程中执行），用于补拉断线期间的消息
func OnSubscribed(fn func(resubscribed bool)) Option {
	return func(o *options) { o.onSubscribed = fn }
}

// OnGiveUp 重试预算耗尽时回调，在订阅协程中同步执行，不能阻塞
// 之后仍会按 MaxInterval 持续重试，恢复后照常触发 OnSubscribed
func OnGiveUp(fn func(error)) Option {
	return func(o *options) { o.onGiveUp = fn }
}

// OnCatchUp 订阅正常期间按 CatchUpInterval 回调（在独立协程中执行）
func OnCatchUp(fn func()) Option {
	return func(o *options) { o.onCatchUp = fn }
}

// WithTyping 同时接收该会话的输入状态事件
func WithTyping(fn func(model.TypingEvent)) Option {
	return func(o *options) { o.onTyping = fn }
}

// Handle 一次挂载
type Handle struct {
	id             uint64
	conversationID string
	onEvent        func(model.Message)
	opts           options

	// 投递持读锁，Detach 持写锁：Detach 返回后不会再有回调
	mu     sync.RWMutex
	closed bool
	sub    Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ConversationID 挂载的会话
func (h *Handle) ConversationID() string {
	return h.conversationID
}

// Done 后台订阅协程退出时关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Feed 每个会话最多一个挂载
type Feed struct {
	transport Transport
	cfg       Config

	mu     sync.Mutex
	active map[string]*Handle
	nextID atomic.Uint64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New 创建推送挂载管理器
func New(transport Transport, cfg Config, m *metrics.Metrics) *Feed {
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	return &Feed{
		transport: transport,
		cfg:       cfg,
		active:    make(map[string]*Handle),
		metrics:   m,
		logger:    slog.Default(),
	}
}

// Attach 挂载会话推送，已有挂载时先卸载旧的
// 订阅在后台建立，不阻塞调用方
func (f *Feed) Attach(conversationID string, onEvent func(model.Message), opts ...Option) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:             f.nextID.Add(1),
		conversationID: conversationID,
		onEvent:        onEvent,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&h.opts)
	}

	f.mu.Lock()
	prev := f.active[conversationID]
	f.active[conversationID] = h
	f.mu.Unlock()

	if prev != nil {
		f.logger.Info("Replacing live feed attachment",
			"conversationId", conversationID,
			"previousHandle", prev.id,
			"handle", h.id)
		prev.close()
	}

	go f.supervise(h)
	return h
}

// Detach 卸载；返回后该句柄不会再触发任何回调且订阅已释放，重复调用无副作用
func (f *Feed) Detach(h *Handle) {
	if h == nil {
		return
	}
	f.mu.Lock()
	if f.active[h.conversationID] == h {
		delete(f.active, h.conversationID)
	}
	f.mu.Unlock()

	h.close()
}

// Active 会话当前是否有挂载
func (f *Feed) Active(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[conversationID]
	return ok
}

// Close 卸载全部挂载
func (f *Feed) Close() {
	f.mu.Lock()
	handles := make([]*Handle, 0, len(f.active))
	for _, h := range f.active {
		handles = append(handles, h)
	}
	clear(f.active)
	f.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
}

func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	h.cancel()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Default().Warn("Failed to unsubscribe live feed",
				"conversationId", h.conversationID,
				"error", err)
		}
	}
	// 等后台协程退出，保证返回时订阅已释放
	<-h.done
}

// setSubscription 记录新订阅；句柄已关闭时返回 false，由调用方退订
func (h *Handle) setSubscription(sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sub = sub
	return true
}

func (h *Handle) clearSubscription(sub Subscription) {
	h.mu.Lock()
	if h.sub == sub {
		h.sub = nil
	}
	h.mu.Unlock()
	_ = sub.Unsubscribe()
}

func (f *Feed) handlers(h *Handle) Handlers {
	hs := Handlers{
		OnMessage: func(m model.Message) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			if h.closed {
				f.metrics.Stale("live")
				f.logger.Debug("Discarded late live event",
					"conversationId", h.conversationID,
					"msgId", m.ID)
				return
			}
			h.onEvent(m)
		},
	}
	if h.opts.onTyping != nil {
		hs.OnTyping = func(ev model.TypingEvent) {
			h.mu.RLock()
			defer h.mu.RUnlock()
			if h.closed {
				return
			}
			h.opts.onTyping(ev)
		}
	}
	return hs
}

// supervise 建立订阅，断线后按指数退避重新订阅
// 预算耗尽只上报一次，之后按 MaxInterval 重试直到卸载
func (f *Feed) supervise(h *Handle) {
	defer close(h.done)

	resubscribed := false
	for {
		sub, err := f.subscribe(h, f.budgetBackOff())
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			f.metrics.Reattach("gave_up")
			f.logger.Error("Live feed retry budget exhausted, retrying at max interval",
				"conversationId", h.conversationID,
				"budget", f.cfg.RetryBudget,
				"interval", f.cfg.MaxInterval,
				"error", err)
			if h.opts.onGiveUp != nil {
				h.opts.onGiveUp(err)
			}
			sub, err = f.subscribe(h, backoff.NewConstantBackOff(f.cfg.MaxInterval))
			if err != nil {
				return
			}
		}
		if !h.setSubscription(sub) {
			_ = sub.Unsubscribe()
			return
		}

		if resubscribed {
			f.metrics.Reattach("ok")
			f.logger.Info("Live feed reattached", "conversationId", h.conversationID)
		}
		if h.opts.onSubscribed != nil {
			go h.opts.onSubscribed(resubscribed)
		}
		resubscribed = true

		if !f.hold(h, sub) {
			return
		}
		f.logger.Warn("Live feed subscription dropped", "conversationId", h.conversationID)
		h.clearSubscription(sub)
	}
}

// hold 订阅存续期间定期触发补拉；订阅失效返回 true，句柄卸载返回 false
func (f *Feed) hold(h *Handle, sub Subscription) bool {
	var tick <-chan time.Time
	if f.cfg.CatchUpInterval > 0 && h.opts.onCatchUp != nil {
		ticker := time.NewTicker(f.cfg.CatchUpInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			return false
		case <-sub.Done():
			return true
		case <-tick:
			go h.opts.onCatchUp()
		}
	}
}

func (f *Feed) budgetBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialInterval
	b.MaxInterval = f.cfg.MaxInterval
	b.MaxElapsedTime = f.cfg.RetryBudget
	return b
}

func (f *Feed) subscribe(h *Handle, b backoff.BackOff) (Subscription, error) {
	var sub Subscription
	attempt := 0
	op := func() error {
		attempt++
		s, err := f.transport.Subscribe(h.ctx, h.conversationID, f.handlers(h))
		if err != nil {
			if h.ctx.Err() != nil {
				return backoff.Permanent(h.ctx.Err())
			}
			if appErrors.Is(err, appErrors.ErrInvalidParams) {
				return backoff.Permanent(err)
			}
			f.metrics.Reattach("error")
			f.logger.Warn("Live feed subscribe failed",
				"conversationId", h.conversationID,
				"attempt", attempt,
				"error", err)
			return err
		}
		sub = s
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, h.ctx)); err != nil {
		return nil, err
	}
	return sub, nil
}
