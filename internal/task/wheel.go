package task

import "sync"

// DefaultSlotCount 默认槽位数量
const DefaultSlotCount = 60

// entry 槽位中的任务，rounds 为还需转过的整圈数
type entry struct {
	task   *Task
	rounds int
}

// TimeWheel 单层时间轮，超过一圈的延迟用 rounds 记录
// 只负责槽位计算，推进由调度器的时钟驱动
type TimeWheel struct {
	mu          sync.Mutex
	slots       []map[string]*entry
	index       map[string]int // taskID -> 槽位
	currentSlot int
}

// NewTimeWheel 创建时间轮
func NewTimeWheel(slotCount int) *TimeWheel {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	tw := &TimeWheel{
		slots: make([]map[string]*entry, slotCount),
		index: make(map[string]int),
	}
	for i := range tw.slots {
		tw.slots[i] = make(map[string]*entry)
	}
	return tw
}

// AddTask 添加任务；同ID的旧任务被替换
func (tw *TimeWheel) AddTask(t *Task) {
	ticks := t.Ticks
	if ticks < 1 {
		ticks = 1
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.removeLocked(t.ID)

	n := len(tw.slots)
	target := (tw.currentSlot + ticks) % n
	tw.slots[target][t.ID] = &entry{task: t, rounds: (ticks - 1) / n}
	tw.index[t.ID] = target
}

// RemoveTask 删除任务
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.removeLocked(taskID)
}

func (tw *TimeWheel) removeLocked(taskID string) bool {
	slot, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.slots[slot], taskID)
	delete(tw.index, taskID)
	return true
}

// Tick 推进一格，返回到期的任务
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % len(tw.slots)
	slot := tw.slots[tw.currentSlot]
	if len(slot) == 0 {
		return nil
	}

	var due []*Task
	for id, e := range slot {
		if e.rounds > 0 {
			e.rounds--
			continue
		}
		due = append(due, e.task)
		delete(slot, id)
		delete(tw.index, id)
	}
	return due
}

// CurrentSlot 当前槽位索引
func (tw *TimeWheel) CurrentSlot() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.currentSlot
}

// Len 任务总数
func (tw *TimeWheel) Len() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.index)
}

// Contains 任务是否在轮上
func (tw *TimeWheel) Contains(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	_, ok := tw.index[taskID]
	return ok
}
