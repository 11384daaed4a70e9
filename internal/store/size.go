package store

import (
	"container/list"
	"unsafe"
)

// entryOverhead 估算单个条目除字符串内容外的常驻开销：链表节点、record 本身
// 以及 map 槽位（key 头 + 指针）。
const entryOverhead = int64(unsafe.Sizeof(list.Element{})) +
	int64(unsafe.Sizeof(record{})) +
	int64(unsafe.Sizeof("")) + int64(unsafe.Sizeof(uintptr(0)))

// EntrySize 返回一个条目在内存中的近似占用（字节），容量控制按此值累计。
func EntrySize(key, value string) int64 {
	return int64(len(key)) + int64(len(value)) + entryOverhead
}
