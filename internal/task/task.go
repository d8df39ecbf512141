package task

import (
	"context"
	"time"
)

// Func 任务执行函数，拿到的是到期时的任务本身（可读取版本号做乐观校验）
type Func func(ctx context.Context, t *Task) error

// Task 延迟任务
type Task struct {
	ID        string    // 唯一ID，同ID重复调度会覆盖旧任务
	Version   int64     // 版本号，执行时与业务状态比对
	Target    string    // 操作对象标识
	Ticks     int       // 延迟的时钟刻度数
	Fn        Func      // 执行函数
	CreatedAt time.Time // 创建时间
}

// NewTask 创建任务
func NewTask(id, target string, ticks int, fn Func) *Task {
	return &Task{
		ID:        id,
		Version:   1,
		Target:    target,
		Ticks:     ticks,
		Fn:        fn,
		CreatedAt: time.Now(),
	}
}

// WithVersion 设置版本号
func (t *Task) WithVersion(v int64) *Task {
	t.Version = v
	return t
}

// Execute 执行任务
func (t *Task) Execute(ctx context.Context) error {
	if t.Fn == nil {
		return nil
	}
	return t.Fn(ctx, t)
}
