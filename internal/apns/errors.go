package apns

import (
	"errors"
	"fmt"
)

var (
	ErrNotificationFailure = errors.New("apns notification failure")
	ErrShortFrame          = errors.New("apns frame too short")
)

// NotificationFailureError is a per-notification rejection, either local
// (validation in ToBytes) or reported by the gateway in an error frame.
type NotificationFailureError struct {
	Status       Status
	Notification *Notification
}

func (e *NotificationFailureError) Error() string {
	if e.Notification == nil {
		return fmt.Sprintf("%s: %d %s", ErrNotificationFailure.Error(), uint8(e.Status), e.Status)
	}
	return fmt.Sprintf("%s: %d %s (id=%d)", ErrNotificationFailure.Error(), uint8(e.Status), e.Status, e.Notification.Identifier)
}

func (e *NotificationFailureError) Unwrap() error { return ErrNotificationFailure }

func failure(s Status, n *Notification) error {
	return &NotificationFailureError{Status: s, Notification: n}
}
