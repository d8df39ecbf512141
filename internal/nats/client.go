package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.im.chatsync/internal/config"
)

// Client NATS 客户端封装
// 断线或订阅出错（如慢消费者丢消息）时通知已注册的监听者，推送订阅据此判定失效并重新订阅
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]listener
	nextID    uint64
}

// listener sub 为 nil 表示连接级事件
type listener func(sub *nats.Subscription, err error)

func newClient() *Client {
	return &Client{
		logger:    slog.Default(),
		listeners: make(map[uint64]listener),
	}
}

// NewClient 创建 NATS 客户端
func NewClient(cfg config.NATSConfig) (*Client, error) {
	c := newClient()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn("Disconnected from NATS", "error", err)
			c.notify(nil, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
			c.notify(nil, nats.ErrConnectionClosed)
		}),
		nats.ErrorHandler(c.handleAsyncError),
		nats.Timeout(10 * time.Second),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Conn 返回底层 NATS 连接
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close 关闭连接
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// OnDisconnect 注册断线监听，返回取消函数
func (c *Client) OnDisconnect(fn func(error)) (cancel func()) {
	return c.addListener(func(sub *nats.Subscription, err error) {
		if sub == nil {
			fn(err)
		}
	})
}

// OnSubscriptionError 注册订阅级异步错误监听，返回取消函数
func (c *Client) OnSubscriptionError(fn func(sub *nats.Subscription, err error)) (cancel func()) {
	return c.addListener(func(sub *nats.Subscription, err error) {
		if sub != nil {
			fn(sub, err)
		}
	})
}

func (c *Client) addListener(fn listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// handleAsyncError 连接的异步错误回调
func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Warn("NATS async error", "subject", subject, "error", err)
	if sub != nil {
		c.notify(sub, err)
	}
}

func (c *Client) notify(sub *nats.Subscription, err error) {
	c.mu.Lock()
	fns := make([]listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(sub, err)
	}
}
