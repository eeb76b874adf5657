// Package ring provides a thread-safe bounded ring buffer with drop-oldest
// overflow, used for per-device rolling raw-line history.
package ring

import "sync"

// Buffer is a fixed-capacity ring buffer. Writes beyond capacity evict the
// oldest element. The zero value is not usable; construct with New.
type Buffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element

	writes  uint64
	evicted uint64
}

// New creates a ring buffer holding at most capacity elements.
// A capacity below one is clamped to one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Append adds an item, evicting the oldest one when full.
func (b *Buffer[T]) Append(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == b.capacity {
		var zero T
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % b.capacity
		b.size--
		b.evicted++
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.size++
	b.writes++
}

// AppendAll adds items in order, evicting as needed.
func (b *Buffer[T]) AppendAll(items []T) {
	for _, item := range items {
		b.Append(item)
	}
}

// Snapshot returns the buffered elements oldest-first. The returned slice is
// owned by the caller.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.tail+i)%b.capacity]
	}
	return out
}

// Len returns the current number of buffered elements.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity // immutable, no lock needed
}

// Clear removes all buffered elements.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.tail = 0
	b.size = 0
}

// Stats reports lifetime write and eviction counts.
func (b *Buffer[T]) Stats() (writes, evicted uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes, b.evicted
}
