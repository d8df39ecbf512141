package task

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool 执行到期任务的协程池
type WorkerPool struct {
	workerCount int
	taskChan    chan *Task
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewWorkerPool 创建协程池
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		taskChan:    make(chan *Task, workerCount*16),
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default(),
	}
}

// Start 启动协程池
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case t := <-wp.taskChan:
			wp.execute(id, t)
		}
	}
}

func (wp *WorkerPool) execute(workerID int, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("Task panicked",
				"workerId", workerID,
				"taskId", t.ID,
				"target", t.Target,
				"panic", r)
		}
	}()

	if err := t.Execute(wp.ctx); err != nil {
		wp.logger.Error("Task failed",
			"workerId", workerID,
			"taskId", t.ID,
			"target", t.Target,
			"version", t.Version,
			"error", err)
	}
}

// Submit 提交任务，通道满时阻塞直到有空位或协程池关闭
func (wp *WorkerPool) Submit(t *Task) {
	select {
	case wp.taskChan <- t:
		return
	case <-wp.ctx.Done():
		return
	default:
	}

	wp.logger.Warn("Task channel full, task delayed", "taskId", t.ID)
	select {
	case wp.taskChan <- t:
	case <-wp.ctx.Done():
	}
}

// SubmitBatch 批量提交
func (wp *WorkerPool) SubmitBatch(tasks []*Task) {
	for _, t := range tasks {
		wp.Submit(t)
	}
}

// Stop 停止协程池
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
}
