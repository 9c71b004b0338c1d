package push

import (
	"sync"
	"time"
)

// Notification is the unit of work moved through an engine.
//
// Implementations embed Base for the bookkeeping fields and add their own
// routing data (device token, payload, ...).
type Notification interface {
	Tag() any

	QueuedCount() int
	IncrementQueued()

	EnqueuedAt() time.Time
	MarkEnqueued(at time.Time)

	IsDeviceRegistrationIDValid() bool
}

// Base implements the bookkeeping half of Notification.
// It is safe for concurrent use.
type Base struct {
	mu         sync.Mutex
	tag        any
	queued     int
	enqueuedAt time.Time
}

func (b *Base) SetTag(tag any) {
	b.mu.Lock()
	b.tag = tag
	b.mu.Unlock()
}

func (b *Base) Tag() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

func (b *Base) QueuedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

func (b *Base) IncrementQueued() {
	b.mu.Lock()
	b.queued++
	b.mu.Unlock()
}

func (b *Base) EnqueuedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueuedAt
}

func (b *Base) MarkEnqueued(at time.Time) {
	b.mu.Lock()
	b.enqueuedAt = at
	b.mu.Unlock()
}
