// Package outbox buffers outbound payloads for an account while its channel
// is down.
package outbox

import (
	"sync"

	"github.com/orris-inc/flowlink/internal/shared/logger"
)

const DefaultCapacity = 256

// Queue is a bounded FIFO. When full, the oldest item is dropped to make room.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	logger   logger.Interface
}

func NewQueue[T any](capacity int, log logger.Interface) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		capacity: capacity,
		logger:   log,
	}
}

func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.logger.Warnw("outbox full, dropped oldest item", "capacity", q.capacity)
	}
	q.items = append(q.items, item)
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush replays queued items in order through send and stops at the first
// failure. Unsent items stay queued. It returns the number of items sent.
func (q *Queue[T]) Flush(send func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	sent := 0
	for sent < len(q.items) {
		if !send(q.items[sent]) {
			break
		}
		q.items[sent] = zero
		sent++
	}
	q.items = q.items[sent:]
	if len(q.items) == 0 {
		q.items = nil
	}
	if sent > 0 {
		q.logger.Debugw("outbox flushed", "sent", sent, "remaining", len(q.items))
	}
	return sent
}
