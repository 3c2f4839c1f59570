package ringbuffer

import (
	"sync"
	"sync/atomic"
)

// RingBuffer 是一个会自动扩容的并发安全环形队列，作为收件箱的存储。
type RingBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int64 // 下一个待读取的位置
	count int64
	len   atomic.Int64
}

// New 创建初始容量为 size 的环形队列。
func New[T any](size int64) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{items: make([]T, size)}
}

// Push 追加一个元素，队列满时容量翻倍。
func (rb *RingBuffer[T]) Push(item T) {
	rb.mu.Lock()
	capacity := int64(len(rb.items))
	if rb.count == capacity {
		grown := make([]T, capacity*2)
		for i := int64(0); i < rb.count; i++ {
			grown[i] = rb.items[(rb.head+i)%capacity]
		}
		rb.items = grown
		rb.head = 0
		capacity = int64(len(grown))
	}
	rb.items[(rb.head+rb.count)%capacity] = item
	rb.count++
	rb.len.Store(rb.count)
	rb.mu.Unlock()
}

// Len 返回队列中的元素个数，不加锁。
func (rb *RingBuffer[T]) Len() int64 {
	return rb.len.Load()
}

// Pop 取出队首元素，队列为空时返回 false。
func (rb *RingBuffer[T]) Pop() (T, bool) {
	items, ok := rb.PopN(1)
	if !ok {
		var zero T
		return zero, false
	}
	return items[0], true
}

// PopN 最多取出 n 个元素，队列为空时返回 nil 和 false。
func (rb *RingBuffer[T]) PopN(n int64) ([]T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.count == 0 {
		return nil, false
	}
	if n > rb.count {
		n = rb.count
	}
	capacity := int64(len(rb.items))
	out := make([]T, n)
	var zero T
	for i := int64(0); i < n; i++ {
		pos := (rb.head + i) % capacity
		out[i] = rb.items[pos]
		rb.items[pos] = zero
	}
	rb.head = (rb.head + n) % capacity
	rb.count -= n
	rb.len.Store(rb.count)
	return out, true
}
