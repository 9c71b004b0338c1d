package push

import (
	"errors"
	"fmt"
)

var (
	ErrMaxRequeuesExceeded = errors.New("maximum number of send attempts reached")
	ErrSendTimeout         = errors.New("timed out waiting for send result")
	ErrEngineStopping      = errors.New("push engine stopping")
	ErrChannelClosed       = errors.New("channel closed or not writable")
	ErrConnectionFailure   = errors.New("maximum number of connection attempts reached")
)

// MaxSendAttemptsReachedError is raised when a notification has been requeued
// as many times as the engine allows.
type MaxSendAttemptsReachedError struct {
	Notification Notification
	Attempts     int
}

func (e *MaxSendAttemptsReachedError) Error() string {
	return fmt.Sprintf("%s (attempts=%d)", ErrMaxRequeuesExceeded.Error(), e.Attempts)
}

func (e *MaxSendAttemptsReachedError) Unwrap() error { return ErrMaxRequeuesExceeded }

// TimeoutError is raised when a blocking send did not complete within the
// configured send timeout. The outcome at the gateway is unknown.
type TimeoutError struct {
	Notification Notification
}

func (e *TimeoutError) Error() string { return ErrSendTimeout.Error() }

func (e *TimeoutError) Unwrap() error { return ErrSendTimeout }

// ConnectionFailureError reports that a channel gave up reconnecting.
type ConnectionFailureError struct {
	Attempts int
	Err      error
}

func (e *ConnectionFailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%d)", ErrConnectionFailure.Error(), e.Attempts)
	}
	return fmt.Sprintf("%s (%d): %v", ErrConnectionFailure.Error(), e.Attempts, e.Err)
}

func (e *ConnectionFailureError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnectionFailure}
	}
	return []error{ErrConnectionFailure, e.Err}
}
