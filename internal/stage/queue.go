package stage

import "sync"

// RetryQueue is an append-only queue safe for concurrent producers. Pass 1
// workers push onto it as soon as an item exhausts the normal tier.
type RetryQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends item.
func (q *RetryQueue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *RetryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items in insertion order.
func (q *RetryQueue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
