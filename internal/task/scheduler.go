package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config 调度器配置
type Config struct {
	Tick    time.Duration `mapstructure:"tick"`    // 时钟刻度
	Slots   int           `mapstructure:"slots"`   // 槽位数量
	Workers int           `mapstructure:"workers"` // 工作协程数量
}

// Scheduler 时间轮任务调度器
type Scheduler struct {
	cfg        Config
	wheel      *TimeWheel
	workerPool *WorkerPool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	running    bool
	runningMu  sync.RWMutex
}

// NewScheduler 创建调度器
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlotCount
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:        cfg,
		wheel:      NewTimeWheel(cfg.Slots),
		workerPool: NewWorkerPool(cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		logger:     slog.Default(),
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("调度器已经在运行中")
	}
	s.running = true
	s.runningMu.Unlock()

	s.workerPool.Start()

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("Task scheduler started",
		"tick", s.cfg.Tick,
		"slots", s.cfg.Slots)
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if tasks := s.wheel.Tick(); len(tasks) > 0 {
				s.workerPool.SubmitBatch(tasks)
			}
		}
	}
}

// Stop 停止调度器，未到期的任务被丢弃
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.workerPool.Stop()

	s.logger.Info("Task scheduler stopped", "pending", s.wheel.Len())
}

// Schedule 调度任务，同ID的任务会被替换
func (s *Scheduler) Schedule(t *Task) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("调度器未运行")
	}
	if t == nil {
		return fmt.Errorf("任务不能为空")
	}
	if t.ID == "" {
		return fmt.Errorf("任务ID不能为空")
	}

	s.wheel.AddTask(t)
	return nil
}

// Cancel 取消任务
func (s *Scheduler) Cancel(taskID string) bool {
	return s.wheel.RemoveTask(taskID)
}

// TicksFor 把时长换算为刻度数（向上取整，至少1）
func (s *Scheduler) TicksFor(d time.Duration) int {
	ticks := int((d + s.cfg.Tick - 1) / s.cfg.Tick)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// IsRunning 是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// Stats 统计信息
func (s *Scheduler) Stats() map[string]any {
	return map[string]any{
		"running":     s.IsRunning(),
		"currentSlot": s.wheel.CurrentSlot(),
		"pending":     s.wheel.Len(),
		"workerCount": s.workerPool.workerCount,
	}
}
