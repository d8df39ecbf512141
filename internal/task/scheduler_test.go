package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTimeWheelTick 测试到期刻度
func TestTimeWheelTick(t *testing.T) {
	wheel := NewTimeWheel(8)
	wheel.AddTask(NewTask("task-1", "user-1", 3, nil))

	for i := 1; i <= 2; i++ {
		if tasks := wheel.Tick(); len(tasks) != 0 {
			t.Fatalf("第%d次推进不应有任务到期, 实际 = %d", i, len(tasks))
		}
	}

	tasks := wheel.Tick()
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Fatalf("期望第3次推进 task-1 到期, 实际 = %v", tasks)
	}
	if wheel.Len() != 0 {
		t.Errorf("期望时间轮为空, 实际 = %d", wheel.Len())
	}
}

// TestTimeWheelRounds 测试超过一圈的延迟
func TestTimeWheelRounds(t *testing.T) {
	wheel := NewTimeWheel(4)
	wheel.AddTask(NewTask("task-long", "user-1", 10, nil))

	fired := 0
	for i := 1; i <= 10; i++ {
		tasks := wheel.Tick()
		if len(tasks) > 0 {
			fired = i
		}
	}

	if fired != 10 {
		t.Errorf("期望第10次推进到期, 实际 = %d", fired)
	}
}

// TestTimeWheelReplace 测试同ID重新调度覆盖旧任务
func TestTimeWheelReplace(t *testing.T) {
	wheel := NewTimeWheel(8)
	wheel.AddTask(NewTask("task-1", "user-1", 1, nil))
	wheel.AddTask(NewTask("task-1", "user-1", 3, nil).WithVersion(2))

	if wheel.Len() != 1 {
		t.Fatalf("期望只有1个任务, 实际 = %d", wheel.Len())
	}
	if tasks := wheel.Tick(); len(tasks) != 0 {
		t.Errorf("旧任务不应到期")
	}
	wheel.Tick()
	tasks := wheel.Tick()
	if len(tasks) != 1 || tasks[0].Version != 2 {
		t.Errorf("期望新版本任务到期, 实际 = %v", tasks)
	}
}

// TestTimeWheelRemove 测试删除任务
func TestTimeWheelRemove(t *testing.T) {
	wheel := NewTimeWheel(8)
	wheel.AddTask(NewTask("task-1", "user-1", 2, nil))

	if !wheel.RemoveTask("task-1") {
		t.Error("期望删除成功")
	}
	if wheel.RemoveTask("task-1") {
		t.Error("期望重复删除失败")
	}
	if wheel.Contains("task-1") {
		t.Error("期望任务已删除")
	}
}

// TestSchedulerStartStop 测试调度器启动和停止
func TestSchedulerStartStop(t *testing.T) {
	scheduler := NewScheduler(Config{Tick: 10 * time.Millisecond, Workers: 2})

	if err := scheduler.Schedule(NewTask("task-1", "user-1", 1, nil)); err == nil {
		t.Error("期望未启动时调度失败")
	}

	if err := scheduler.Start(); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	if !scheduler.IsRunning() {
		t.Error("期望调度器运行中")
	}
	if err := scheduler.Start(); err == nil {
		t.Error("期望重复启动失败")
	}

	scheduler.Stop()
	if scheduler.IsRunning() {
		t.Error("期望调度器已停止")
	}
}

// TestSchedulerTaskExecution 测试任务执行
func TestSchedulerTaskExecution(t *testing.T) {
	scheduler := NewScheduler(Config{Tick: 10 * time.Millisecond, Slots: 16, Workers: 4})
	scheduler.Start()
	defer scheduler.Stop()

	var executed atomic.Int32
	var mu sync.Mutex
	var targets []string

	fn := func(ctx context.Context, task *Task) error {
		mu.Lock()
		targets = append(targets, task.Target)
		mu.Unlock()
		executed.Add(1)
		return nil
	}

	for i := 1; i <= 5; i++ {
		scheduler.Schedule(NewTask(fmt.Sprintf("task-%d", i), fmt.Sprintf("user-%d", i), i, fn))
	}

	time.Sleep(300 * time.Millisecond)

	if executed.Load() != 5 {
		t.Errorf("期望执行5个任务, 实际 = %d", executed.Load())
	}
	mu.Lock()
	if len(targets) != 5 {
		t.Errorf("期望5个结果, 实际 = %d", len(targets))
	}
	mu.Unlock()
}

// TestSchedulerCancel 测试取消任务
func TestSchedulerCancel(t *testing.T) {
	scheduler := NewScheduler(Config{Tick: 10 * time.Millisecond, Workers: 2})
	scheduler.Start()
	defer scheduler.Stop()

	var executed atomic.Int32
	fn := func(ctx context.Context, task *Task) error {
		executed.Add(1)
		return nil
	}

	scheduler.Schedule(NewTask("task-1", "user-1", 5, fn))
	if !scheduler.Cancel("task-1") {
		t.Error("期望取消成功")
	}
	if scheduler.Cancel("task-not-exist") {
		t.Error("期望取消不存在的任务失败")
	}

	time.Sleep(150 * time.Millisecond)
	if executed.Load() != 0 {
		t.Errorf("已取消的任务不应执行, 实际 = %d", executed.Load())
	}
}

// TestSchedulerTicksFor 测试时长换算
func TestSchedulerTicksFor(t *testing.T) {
	scheduler := NewScheduler(Config{Tick: 100 * time.Millisecond})

	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 1},
		{50 * time.Millisecond, 1},
		{100 * time.Millisecond, 1},
		{101 * time.Millisecond, 2},
		{3 * time.Second, 30},
	}
	for _, c := range cases {
		if got := scheduler.TicksFor(c.d); got != c.want {
			t.Errorf("TicksFor(%v) = %d, 期望 %d", c.d, got, c.want)
		}
	}
}

// TestWorkerPoolPanicRecover 测试 panic 恢复
func TestWorkerPoolPanicRecover(t *testing.T) {
	scheduler := NewScheduler(Config{Tick: 10 * time.Millisecond, Workers: 2})
	scheduler.Start()
	defer scheduler.Stop()

	var executed atomic.Int32
	panicFn := func(ctx context.Context, task *Task) error {
		executed.Add(1)
		panic("测试 panic")
	}
	normalFn := func(ctx context.Context, task *Task) error {
		executed.Add(1)
		return nil
	}

	scheduler.Schedule(NewTask("task-panic", "user-1", 1, panicFn))
	scheduler.Schedule(NewTask("task-normal", "user-2", 1, normalFn))

	time.Sleep(150 * time.Millisecond)

	if executed.Load() != 2 {
		t.Errorf("期望执行2个任务, 实际 = %d", executed.Load())
	}
}

// BenchmarkTimeWheelTick 性能测试: 时间轮推进
func BenchmarkTimeWheelTick(b *testing.B) {
	wheel := NewTimeWheel(DefaultSlotCount)
	for i := 0; i < 100; i++ {
		wheel.AddTask(NewTask(fmt.Sprintf("task-%d", i), "user", i%DefaultSlotCount+1, nil))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wheel.Tick()
	}
}
