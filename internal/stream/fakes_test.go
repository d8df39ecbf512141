package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"sudooom.im.chatsync/internal/livefeed"
	"sudooom.im.chatsync/internal/model"
)

// fakeLoader 按 (会话, 游标) 返回预置的历史页
type fakeLoader struct {
	mu        sync.Mutex
	pages     map[string]model.Page
	err       error
	gate      chan struct{} // 非 nil 时 LoadPage 阻塞到关闭
	loads     int
	prefetchs int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{pages: make(map[string]model.Page)}
}

func (f *fakeLoader) set(conversationID, cursor string, page model.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[conversationID+"|"+cursor] = page
}

func (f *fakeLoader) LoadPage(ctx context.Context, conversationID, cursor string) (model.Page, error) {
	f.mu.Lock()
	f.loads++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Page{}, ctx.Err()
		}
	}
	return f.page(conversationID, cursor)
}

func (f *fakeLoader) Prefetch(ctx context.Context, conversationID, cursor string) (model.Page, error) {
	f.mu.Lock()
	f.prefetchs++
	f.mu.Unlock()
	return f.page(conversationID, cursor)
}

func (f *fakeLoader) page(conversationID, cursor string) (model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Page{}, f.err
	}
	p := f.pages[conversationID+"|"+cursor]
	p.Messages = slices.Clone(p.Messages)
	return p, nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func (f *fakeLoader) prefetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefetchs
}

// fakeTransport 内存推送通道，记录订阅/退订顺序
type fakeTransport struct {
	mu     sync.Mutex
	subs   map[string]*fakeSub
	events []string
	down   bool // 为 true 时订阅失败
}

type fakeSub struct {
	t              *fakeTransport
	conversationID string
	handlers       livefeed.Handlers
	done           chan struct{}
	once           sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]*fakeSub)}
}

func (f *fakeTransport) Subscribe(ctx context.Context, conversationID string, h livefeed.Handlers) (livefeed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errNetwork
	}
	s := &fakeSub{t: f, conversationID: conversationID, handlers: h, done: make(chan struct{})}
	f.subs[conversationID] = s
	f.events = append(f.events, "sub "+conversationID)
	return s, nil
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.subs[s.conversationID] == s {
		delete(s.t.subs, s.conversationID)
		s.t.events = append(s.t.events, "unsub "+s.conversationID)
	}
	return nil
}

// drop 模拟连接断开
func (s *fakeSub) drop() {
	s.once.Do(func() { close(s.done) })
}

func (f *fakeTransport) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeTransport) sub(conversationID string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[conversationID]
}

func (f *fakeTransport) push(conversationID string, m model.Message) bool {
	s := f.sub(conversationID)
	if s == nil {
		return false
	}
	s.handlers.OnMessage(m)
	return true
}

func (f *fakeTransport) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

// fakeStore 发送存储
type fakeStore struct {
	mu   sync.Mutex
	seq  int64
	err  error
	gate chan struct{}
}

func (f *fakeStore) SendMessage(ctx context.Context, req model.SendRequest) (model.Message, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Message{}, f.err
	}
	f.seq++
	return model.Message{
		ID:             fmt.Sprintf("sent-%d", f.seq),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Text:           model.StringPtr(req.Text),
		Seq:            model.Int64Ptr(1000 + f.seq),
		CreatedAt:      baseTime.Add(1000000),
		ReplyToID:      req.ReplyToID,
		ClientMsgID:    req.ClientMsgID,
	}, nil
}

var errNetwork = errors.New("network unreachable")

// fakePresence 内存输入状态
type fakePresence struct {
	mu     sync.Mutex
	typing map[string]map[string]bool
	local  []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{typing: make(map[string]map[string]bool)}
}

func (f *fakePresence) SetTyping(conversationID, userID string, isTyping bool) {
	f.mu.Lock()
	f.local = append(f.local, fmt.Sprintf("%s:%s:%v", conversationID, userID, isTyping))
	f.mu.Unlock()
	f.Apply(model.TypingEvent{ConversationID: conversationID, UserID: userID, Typing: isTyping})
}

func (f *fakePresence) Apply(ev model.TypingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := f.typing[ev.ConversationID]
	if users == nil {
		users = make(map[string]bool)
		f.typing[ev.ConversationID] = users
	}
	if ev.Typing {
		users[ev.UserID] = true
	} else {
		delete(users, ev.UserID)
	}
}

func (f *fakePresence) GetTyping(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for id := range f.typing[conversationID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// fakeReads 已读游标
type fakeReads struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReads) MarkRead(ctx context.Context, conversationID, userID, lastMsgID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID+":"+userID+":"+lastMsgID)
	return true, nil
}
