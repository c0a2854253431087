// Package pool provides a fixed-capacity object pool.
//
// All items are allocated up front by New and the pool never grows, so
// steady-state Acquire/Release cycles do not allocate. Items are compared by
// identity, which is why T is expected to be a pointer type.
package pool

import "sync"

// Pool is a bounded, thread-safe set of reusable items.
type Pool[T comparable] struct {
	mu      sync.Mutex
	items   []T
	free    []T
	checked map[T]bool // item -> currently checked out
}

// New pre-allocates capacity items using alloc.
func New[T comparable](capacity int, alloc func() T) *Pool[T] {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool[T]{
		items:   make([]T, 0, capacity),
		free:    make([]T, 0, capacity),
		checked: make(map[T]bool, capacity),
	}
	for i := 0; i < capacity; i++ {
		item := alloc()
		p.items = append(p.items, item)
		p.free = append(p.free, item)
		p.checked[item] = false
	}
	return p
}

// Acquire returns a free item, or ok=false when the pool is exhausted.
// It never blocks.
func (p *Pool[T]) Acquire() (item T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return item, false
	}
	item = p.free[n-1]
	p.free = p.free[:n-1]
	p.checked[item] = true
	return item, true
}

// Release returns item to the free set. It reports false if the item does
// not belong to the pool, is not checked out (double release), or the pool
// is already full.
func (p *Pool[T]) Release(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, known := p.checked[item]
	if !known || !out {
		return false
	}
	if len(p.free) == len(p.items) {
		return false
	}
	p.checked[item] = false
	p.free = append(p.free, item)
	return true
}

// Capacity returns the fixed number of items.
func (p *Pool[T]) Capacity() int {
	return len(p.items)
}

// Available returns the number of free items.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of checked-out items.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - len(p.free)
}
