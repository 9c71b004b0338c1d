package push

import (
	"context"
	"time"
)

// SendResult is the outcome of one send attempt.
type SendResult struct {
	Notification Notification

	Success bool

	// Requeue asks the engine to put the notification back at the head of the queue.
	// CountsAsRequeue is false when the item failed only because a sibling tore the
	// connection down (replay after an error frame).
	Requeue         bool
	CountsAsRequeue bool

	Err error

	SubscriptionExpired bool
	OldToken            string
	NewToken            string
	ExpiredAt           time.Time
}

// Succeeded builds a success result.
func Succeeded(n Notification) SendResult {
	return SendResult{Notification: n, Success: true}
}

// Failed builds a terminal failure result.
func Failed(n Notification, err error) SendResult {
	return SendResult{Notification: n, Err: err}
}

// Requeued builds a requeue result.
func Requeued(n Notification, err error, counts bool) SendResult {
	return SendResult{Notification: n, Err: err, Requeue: true, CountsAsRequeue: counts}
}

// Callback receives exactly one SendResult per Send call.
type Callback func(SendResult)

// Channel is one logical connection to a gateway.
//
// Send must not block waiting for the gateway's verdict; the verdict is
// delivered through cb, possibly from another goroutine.
type Channel interface {
	Send(ctx context.Context, n Notification, cb Callback)
	Close() error
}

// ChannelFactory creates a new Channel bound to ctx.
// Cancelling ctx must stop the channel's background loops.
type ChannelFactory func(ctx context.Context) (Channel, error)
