package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": jsonl files next to Path (snapshot + journal for tokens)
//   - "sqlite": SQLite database file
//   - "redis": RedisURL, e.g. redis://localhost:6379/0
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver         string
	Path           string
	RedisURL       string
	BusyTimeout    time.Duration // sqlite only; 0 means default
	DeliveryLogMax int           // redis only; 0 means 10000
}

const (
	ReasonExpired = "expired"
	ReasonChanged = "changed"
)

// ExpiredToken is a device token that must not be used again. A newer record
// for the same token replaces the older one.
type ExpiredToken struct {
	Token    string    `json:"token"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
	NewToken string    `json:"new_token,omitempty"`
	Tag      string    `json:"tag,omitempty"`
}

const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// DeliveryRecord is one final verdict on a notification.
type DeliveryRecord struct {
	At         time.Time `json:"at"`
	Result     string    `json:"result"`
	Identifier int64     `json:"id"`
	Token      string    `json:"token,omitempty"`
	Tag        string    `json:"tag,omitempty"`
	Error      string    `json:"err,omitempty"`
}
