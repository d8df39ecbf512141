package stream

import (
	"slices"
	"strings"

	"sudooom.im.chatsync/internal/model"
)

// Compare 定义同一会话内两条消息的顺序
//
//  1. 双方都有 seq 时按 seq 比较
//  2. 否则按 createdAt 比较
//  3. 仍相等时按 id 字典序打破平局
//
// 返回值语义同 strings.Compare。
func Compare(a, b *model.Message) int {
	if a.HasSeq() && b.HasSeq() {
		switch {
		case *a.Seq < *b.Seq:
			return -1
		case *a.Seq > *b.Seq:
			return 1
		}
	} else if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Less a 是否排在 b 之前
func Less(a, b *model.Message) bool {
	return Compare(a, b) < 0
}

// Sorted 返回按 Compare 排好序的副本，不修改入参
func Sorted(msgs []model.Message) []model.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b model.Message) int {
		return Compare(&a, &b)
	})
	return out
}

// insertPosition 二分查找插入位置（第一个大于 m 的元素下标）
func insertPosition(list []model.Message, m *model.Message) int {
	lo, hi := 0, len(list)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if Compare(&list[mid], m) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
