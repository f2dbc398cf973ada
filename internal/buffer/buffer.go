// Package buffer batches items and releases them when the batch is full or
// its oldest item is too old.
package buffer

import (
	"sync"
	"time"
)

// Policy bounds a buffer. A zero field disables that trigger.
type Policy struct {
	MaxSize int
	MaxAge  time.Duration
}

// ShouldFlush reports whether a batch of n items whose oldest item was added
// at oldest must be flushed at now.
func ShouldFlush(n int, oldest, now time.Time, p Policy) bool {
	if n == 0 {
		return false
	}
	if p.MaxSize > 0 && n >= p.MaxSize {
		return true
	}
	return p.MaxAge > 0 && now.Sub(oldest) >= p.MaxAge
}

// Buffer is safe for concurrent use.
type Buffer[T any] struct {
	mu     sync.Mutex
	policy Policy
	items  []T
	oldest time.Time
}

// New creates a buffer with the given policy.
func New[T any](p Policy) *Buffer[T] {
	return &Buffer[T]{policy: p}
}

// Add appends item. When the policy is met the whole batch is returned and
// the buffer is emptied; otherwise it returns nil.
func (b *Buffer[T]) Add(item T, now time.Time) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.oldest = now
	}
	b.items = append(b.items, item)
	if !ShouldFlush(len(b.items), b.oldest, now, b.policy) {
		return nil
	}
	return b.take()
}

// Due reports whether the buffered batch has aged past MaxAge.
func (b *Buffer[T]) Due(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ShouldFlush(len(b.items), b.oldest, now, b.policy)
}

// Drain returns everything buffered and empties the buffer.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take()
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer[T]) take() []T {
	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = nil
	b.oldest = time.Time{}
	return out
}
