// Package queue provides the engine's pending-notification buffer.
package queue

import (
	"sync"

	"pushgate/internal/push"
)

// Queue is an unbounded FIFO with head insertion for requeues.
// All methods are non-blocking; consumers poll Dequeue.
type Queue struct {
	mu    sync.Mutex
	items []push.Notification
}

func New() *Queue { return &Queue{} }

func (q *Queue) Enqueue(n push.Notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()
}

// EnqueueFront puts n ahead of everything already queued.
func (q *Queue) EnqueueFront(n push.Notification) {
	q.mu.Lock()
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = n
	q.mu.Unlock()
}

// Dequeue removes and returns the head. ok is false when the queue is empty.
func (q *Queue) Dequeue() (n push.Notification, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	n = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// release the backing array once drained
		q.items = nil
	}
	return n, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
