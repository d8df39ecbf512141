package stream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chatsync/internal/model"
	appErrors "sudooom.im.chatsync/pkg/errors"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	s := New("conv-1", 1, Options{})
	t.Cleanup(s.Close)
	return s
}

func TestStream_IdempotentAdmission(t *testing.T) {
	ctx := context.Background()
	m := msg("m1", 1, 100)

	once := newTestStream(t)
	_, err := once.Merge(ctx, SourceHistory, m)
	require.NoError(t, err)

	twice := newTestStream(t)
	sources := []Source{SourceHistory, SourceLive, SourceOptimistic, SourceResync}
	admitted := 0
	for _, src := range sources {
		n, err := twice.Merge(ctx, src, m)
		require.NoError(t, err)
		admitted += n
	}

	assert.Equal(t, 1, admitted)
	assert.Equal(t, once.Messages(), twice.Messages())
	assert.Equal(t, uint64(1), twice.Snapshot().Version, "重复投递不应产生新版本")
}

func TestStream_DuplicateDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	var mu sync.Mutex
	calls := 0
	s.OnChange(func(Snapshot) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	s.Merge(ctx, SourceOptimistic, msg("m1", 1, 100))
	s.Merge(ctx, SourceLive, msg("m1", 1, 100))

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count())
}

func TestStream_NoLossUnderRace(t *testing.T) {
	m1 := msg("m1", 1, 100)
	m2 := msg("m2", 3, 300)

	tests := []struct {
		name string
		live model.Message
		want []string
	}{
		{"推送位于两条历史之间", msg("m3", 2, 200), []string{"m1", "m3", "m2"}},
		{"推送位于历史之后", msg("m3", 4, 400), []string{"m1", "m2", "m3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/历史先到", func(t *testing.T) {
			s := newTestStream(t)
			ctx := context.Background()
			_, err := s.MergePage(ctx, SourceHistory, model.Page{Messages: []model.Message{m1, m2}})
			require.NoError(t, err)
			_, err = s.Merge(ctx, SourceLive, tt.live)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(s.Messages()))
		})
		t.Run(tt.name+"/推送先到", func(t *testing.T) {
			s := newTestStream(t)
			ctx := context.Background()
			_, err := s.Merge(ctx, SourceLive, tt.live)
			require.NoError(t, err)
			_, err = s.MergePage(ctx, SourceHistory, model.Page{Messages: []model.Message{m1, m2}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(s.Messages()))
		})
	}
}

func TestStream_DeliverIsMerged(t *testing.T) {
	s := newTestStream(t)

	s.Deliver(msg("m2", 2, 200))
	s.Deliver(msg("m1", 1, 100))
	s.Deliver(msg("m2", 2, 200))

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
}

func TestStream_OrderStability(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(42, 7))

	// 混合有 seq 与无 seq 的消息，比较关系可能不传递
	var pool []model.Message
	for i := 0; i < 60; i++ {
		seq := int64(-1)
		if rng.IntN(2) == 0 {
			seq = int64(rng.IntN(40))
		}
		pool = append(pool, msg(fmt.Sprintf("m%02d", i), seq, int64(rng.IntN(50))))
	}

	s := newTestStream(t)
	position := map[string]int{}
	sources := []Source{SourceHistory, SourceLive, SourceOptimistic}

	for round := 0; round < 40; round++ {
		batch := make([]model.Message, 0, 4)
		for j := 0; j < 1+rng.IntN(4); j++ {
			batch = append(batch, pool[rng.IntN(len(pool))])
		}
		_, err := s.Merge(ctx, sources[round%len(sources)], batch...)
		require.NoError(t, err)

		current := map[string]int{}
		for i, m := range s.Messages() {
			current[m.ID] = i
		}
		for a, pa := range position {
			for b, pb := range position {
				if pa < pb {
					assert.Less(t, current[a], current[b], "%s 与 %s 的相对顺序发生了翻转", a, b)
				}
			}
		}
		position = current
	}
}

func TestStream_FullyOrderedWhenComparatorConsistent(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	var all []model.Message
	for i := 0; i < 100; i++ {
		all = append(all, msg(fmt.Sprintf("m%03d", i), int64(i), int64(100-i)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := offset; i < len(all); i += 3 {
				s.Merge(ctx, SourceLive, all[i])
			}
		}(w % 3)
	}
	wg.Wait()

	assert.Equal(t, ids(all), ids(s.Messages()))
}

func TestStream_RejectsForeignAndEmptyIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	foreign := msg("x", 1, 0)
	foreign.ConversationID = "conv-2"
	empty := msg("", 2, 0)

	n, err := s.Merge(ctx, SourceLive, foreign, empty)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, s.Messages())
	assert.Equal(t, uint64(0), s.Snapshot().Version)
}

func TestStream_PageUpdatesPagingState(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	require.True(t, s.MarkLoading())

	_, err := s.MergePage(ctx, SourceResync, model.Page{
		Messages:   []model.Message{msg("m9", 9, 900)},
		HasMore:    true,
		NextCursor: "resync-cursor",
	})
	require.NoError(t, err)
	assert.Equal(t, StateLoading, s.State(), "补偿拉取不应结束加载")
	assert.Equal(t, "", s.Snapshot().Cursor)

	_, err = s.MergePage(ctx, SourceHistory, model.Page{
		Messages:   []model.Message{msg("m5", 5, 500)},
		HasMore:    true,
		NextCursor: "c1",
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "ready", snap.State)
	assert.Equal(t, "c1", snap.Cursor)
	assert.True(t, snap.HasMore)

	// 空的最后一页也要更新 hasMore
	before := snap.Version
	_, err = s.MergePage(ctx, SourceHistory, model.Page{HasMore: false})
	require.NoError(t, err)
	snap = s.Snapshot()
	assert.False(t, snap.HasMore)
	assert.Greater(t, snap.Version, before)
}

func TestStream_ClosedStreamIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	_, err := s.Merge(ctx, SourceHistory, msg("m1", 1, 100))
	require.NoError(t, err)
	before := s.Snapshot()

	s.Close()
	s.Deliver(msg("m2", 2, 200))
	_, err = s.Merge(ctx, SourceLive, msg("m3", 3, 300))

	assert.True(t, appErrors.Is(err, appErrors.ErrStreamClosed))
	assert.Equal(t, before.Messages, s.Messages())
	assert.Equal(t, before.Version, s.Snapshot().Version)
	assert.True(t, s.Closed())
	assert.Error(t, s.Context().Err())
}

func TestStream_WaitChange(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	done := make(chan Snapshot, 1)
	go func() {
		snap, err := s.WaitChange(ctx, 0)
		if err == nil {
			done <- snap
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Merge(ctx, SourceLive, msg("m1", 1, 100))

	select {
	case snap := <-done:
		assert.Equal(t, uint64(1), snap.Version)
		assert.Len(t, snap.Messages, 1)
	case <-time.After(time.Second):
		t.Fatal("WaitChange 未被唤醒")
	}

	// 版本号已不同时立即返回
	snap, err := s.WaitChange(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)

	// 超时
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.WaitChange(tctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_WaitChangeReturnsOnClose(t *testing.T) {
	s := New("conv-1", 1, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.WaitChange(context.Background(), 0)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-errCh:
		assert.True(t, appErrors.Is(err, appErrors.ErrStreamClosed))
	case <-time.After(time.Second):
		t.Fatal("关闭后 WaitChange 未返回")
	}
}

func TestStream_ListenerCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	var mu sync.Mutex
	var seen []uint64
	cancel := s.OnChange(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Version)
		mu.Unlock()
	})

	s.Merge(ctx, SourceLive, msg("m1", 1, 100))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
	cancel()
	s.Merge(ctx, SourceLive, msg("m2", 2, 200))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1}, seen)
}

func TestStream_ListenersSeeVersionsInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)

	var mu sync.Mutex
	var seen []uint64
	s.OnChange(func(snap Snapshot) {
		// 慢监听器不阻塞合并
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, snap.Version)
		mu.Unlock()
	})

	for i := 1; i <= 20; i++ {
		_, err := s.Merge(ctx, SourceLive, msg(fmt.Sprintf("m%02d", i), int64(i), int64(i*100)))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(20), s.Snapshot().Version)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, 2*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.IsIncreasing(t, seen)
}

func TestStream_OfflineFlag(t *testing.T) {
	s := newTestStream(t)

	s.SetOffline(true)
	require.Eventually(t, func() bool { return s.Snapshot().Offline }, time.Second, time.Millisecond)
	v := s.Snapshot().Version

	// 重复设置不产生新版本
	s.SetOffline(true)
	s.SetOffline(false)
	require.Eventually(t, func() bool { return !s.Snapshot().Offline }, time.Second, time.Millisecond)
	assert.Equal(t, v+1, s.Snapshot().Version)
}

func TestStream_SnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStream(t)
	s.Merge(ctx, SourceLive, msg("m1", 1, 100))

	got := s.Messages()
	got[0].ID = "tampered"

	assert.Equal(t, "m1", s.Messages()[0].ID)
}
