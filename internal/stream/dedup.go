package stream

import "sudooom.im.chatsync/internal/model"

// Deduplicator 基于消息 ID 的准入集合
// 只由会话流的合并协程访问，自身不加锁
type Deduplicator struct {
	seen map[string]struct{}
}

// NewDeduplicator 创建去重器
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Admit ID 已存在时返回 false 且不做任何修改；否则记录并返回 true
// seq 和 createdAt 不参与准入判断
func (d *Deduplicator) Admit(m *model.Message) bool {
	if _, ok := d.seen[m.ID]; ok {
		return false
	}
	d.seen[m.ID] = struct{}{}
	return true
}

// Contains 是否已准入
func (d *Deduplicator) Contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Len 已准入数量
func (d *Deduplicator) Len() int {
	return len(d.seen)
}
