package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"sudooom.im.chatsync/internal/metrics"
	"sudooom.im.chatsync/internal/model"
	"sudooom.im.chatsync/internal/stream"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

// Fetcher 持久化存储的历史查询接口
type Fetcher interface {
	FetchHistory(ctx context.Context, conversationID, accountID, cursor string) (model.Page, error)
}

// Config 历史加载配置
type Config struct {
	// RetryBudget 后台预取的最长重试时间
	RetryBudget     time.Duration `mapstructure:"retry_budget"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	// BreakerFailures 连续失败多少次后熔断
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RetryBudget:     30 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// Loader 历史分页加载器，所有账号共用一个熔断器
type Loader struct {
	fetcher Fetcher
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New 创建历史加载器
func New(fetcher Fetcher, cfg Config, m *metrics.Metrics) *Loader {
	def := DefaultConfig()
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	l := &Loader{
		fetcher: fetcher,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default(),
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "history",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("History circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
		// 调用方取消和请求本身的错误不算存储故障
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				isRequestError(err)
		},
	})
	return l
}

// ForAccount 绑定账号
func (l *Loader) ForAccount(accountID string) *AccountLoader {
	return &AccountLoader{loader: l, accountID: accountID}
}

// AccountLoader 以某个账号身份拉取历史
type AccountLoader struct {
	loader    *Loader
	accountID string
}

// LoadPage 拉取一页历史，结果按 Sequencer 重新排序
// 失败返回可重试的 ErrHistoryFetch，不影响会话流状态
func (a *AccountLoader) LoadPage(ctx context.Context, conversationID, cursor string) (model.Page, error) {
	return a.loader.load(ctx, conversationID, a.accountID, cursor)
}

// Prefetch 后台拉取，内部按指数退避重试，超出预算后才返回错误
func (a *AccountLoader) Prefetch(ctx context.Context, conversationID, cursor string) (model.Page, error) {
	l := a.loader
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialInterval
	b.MaxElapsedTime = l.cfg.RetryBudget

	var page model.Page
	attempt := 0
	op := func() error {
		attempt++
		p, err := l.load(ctx, conversationID, a.accountID, cursor)
		if err != nil {
			if ctx.Err() != nil || isRequestError(err) {
				return backoff.Permanent(err)
			}
			l.logger.Debug("History prefetch attempt failed",
				"conversationId", conversationID,
				"attempt", attempt,
				"error", err)
			return err
		}
		page = p
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() == nil {
			l.logger.Error("History prefetch retry budget exhausted",
				"conversationId", conversationID,
				"accountId", a.accountID,
				"attempts", attempt,
				"error", err)
		}
		return model.Page{}, err
	}
	return page, nil
}

func (l *Loader) load(ctx context.Context, conversationID, accountID, cursor string) (model.Page, error) {
	if _, _, err := DecodeCursor(cursor); err != nil {
		return model.Page{}, err
	}

	res, err := l.breaker.Execute(func() (interface{}, error) {
		return l.fetcher.FetchHistory(ctx, conversationID, accountID, cursor)
	})
	if err != nil {
		if ctx.Err() != nil {
			return model.Page{}, ctx.Err()
		}
		if isRequestError(err) {
			return model.Page{}, err
		}
		l.metrics.HistoryError()
		l.logger.Warn("Failed to fetch history page",
			"conversationId", conversationID,
			"cursor", cursor,
			"error", err)
		return model.Page{}, appErrors.ErrHistoryFetch.Wrap(err)
	}

	page := res.(model.Page)
	page.Messages = stream.Sorted(page.Messages)
	if !page.HasMore {
		page.NextCursor = ""
	}
	return page, nil
}

// isRequestError 重试无法解决的错误，原样返回给调用方
func isRequestError(err error) bool {
	return appErrors.Is(err, appErrors.ErrInvalidCursor) ||
		appErrors.Is(err, appErrors.ErrNotMember) ||
		appErrors.Is(err, appErrors.ErrConversationMissing)
}
