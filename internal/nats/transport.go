package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"

	appErrors "sudooom.im.chatsync/pkg/errors"

	"sudooom.im.chatsync/internal/livefeed"
	"sudooom.im.chatsync/internal/model"
)

// Transport 基于 NATS 的会话推送通道
type Transport struct {
	client *Client
	logger *slog.Logger
}

// NewTransport 创建推送通道
func NewTransport(client *Client) *Transport {
	return &Transport{
		client: client,
		logger: slog.Default(),
	}
}

type subscription struct {
	mu         sync.Mutex
	subs       []*nats.Subscription
	done       chan struct{}
	dropOnce   sync.Once
	stopListen []func()
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) drop() {
	s.dropOnce.Do(func() { close(s.done) })
}

func (s *subscription) add(sub *nats.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// onAsyncError 慢消费者会丢弃消息，视同订阅失效，由 LiveFeed 重新订阅并补拉
func (s *subscription) onAsyncError(sub *nats.Subscription, err error) {
	if !errors.Is(err, nats.ErrSlowConsumer) {
		return
	}
	s.mu.Lock()
	owned := slices.Contains(s.subs, sub)
	s.mu.Unlock()
	if owned {
		s.drop()
	}
}

func (s *subscription) stop() {
	for _, fn := range s.stopListen {
		fn()
	}
}

func (s *subscription) Unsubscribe() error {
	s.stop()
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		err := sub.Unsubscribe()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe 订阅会话消息，需要时同时订阅输入状态
// 连接断开或出现慢消费者时 Done 关闭，由 LiveFeed 重新订阅并补拉
func (t *Transport) Subscribe(ctx context.Context, conversationID string, h livefeed.Handlers) (livefeed.Subscription, error) {
	if !validSubjectToken(conversationID) {
		return nil, appErrors.ErrInvalidParams
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.client.IsConnected() {
		return nil, appErrors.ErrSubscribe.Wrap(nats.ErrDisconnected)
	}

	s := &subscription{done: make(chan struct{})}
	s.stopListen = []func(){
		t.client.OnDisconnect(func(error) { s.drop() }),
		t.client.OnSubscriptionError(s.onAsyncError),
	}

	nc := t.client.Conn()
	msgSub, err := nc.Subscribe(BuildMessageSubject(conversationID), func(m *nats.Msg) {
		var msg model.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			t.logger.Warn("Failed to unmarshal pushed message",
				"subject", m.Subject,
				"error", err)
			return
		}
		h.OnMessage(msg)
	})
	if err != nil {
		s.stop()
		return nil, appErrors.ErrSubscribe.Wrap(err)
	}
	s.add(msgSub)

	if h.OnTyping != nil {
		typingSub, err := nc.Subscribe(BuildTypingSubject(conversationID), func(m *nats.Msg) {
			var ev model.TypingEvent
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				t.logger.Warn("Failed to unmarshal typing event",
					"subject", m.Subject,
					"error", err)
				return
			}
			h.OnTyping(ev)
		})
		if err != nil {
			_ = s.Unsubscribe()
			return nil, appErrors.ErrSubscribe.Wrap(err)
		}
		s.add(typingSub)
	}

	// 订阅期间可能已经断线
	if !t.client.IsConnected() {
		s.drop()
	}

	t.logger.Debug("Subscribed to conversation",
		"conversationId", conversationID,
		"typing", h.OnTyping != nil)
	return s, nil
}
