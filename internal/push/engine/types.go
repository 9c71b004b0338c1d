package engine

import (
	"time"
)

// Settings controls one engine instance. They are copied at construction and
// never change afterwards.
//
// Defaults (when fields are zero):
//   - max_auto_scale_channels: 20
//   - min_avg_time_to_scale_channels: 100ms
//   - channels: 1
//   - max_notification_requeues: 5
//   - notification_send_timeout: 15s
//   - scale_interval: 5s
//   - idle_poll_interval: 100ms
//
// IdleTimeout <= 0 disables idle teardown.
type Settings struct {
	AutoScaleChannels         bool
	MaxAutoScaleChannels      int
	MinAvgTimeToScaleChannels time.Duration
	Channels                  int
	MaxNotificationRequeues   int
	NotificationSendTimeout   time.Duration
	IdleTimeout               time.Duration

	// BlockOnMessageResult makes a worker wait for each send's verdict before
	// taking the next item. Gateways that answer asynchronously turn it off.
	BlockOnMessageResult bool

	ScaleInterval    time.Duration
	IdlePollInterval time.Duration

	// SendRateLimit caps sends per second per channel. 0 disables pacing.
	SendRateLimit float64
}

// DefaultSettings mirrors the production defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoScaleChannels:         true,
		MaxAutoScaleChannels:      20,
		MinAvgTimeToScaleChannels: 100 * time.Millisecond,
		Channels:                  1,
		MaxNotificationRequeues:   5,
		NotificationSendTimeout:   15 * time.Second,
		IdleTimeout:               5 * time.Minute,
		BlockOnMessageResult:      true,
		ScaleInterval:             5 * time.Second,
		IdlePollInterval:          100 * time.Millisecond,
	}
}

func (s Settings) withDefaults() Settings {
	if s.MaxAutoScaleChannels <= 0 {
		s.MaxAutoScaleChannels = 20
	}
	if s.MinAvgTimeToScaleChannels <= 0 {
		s.MinAvgTimeToScaleChannels = 100 * time.Millisecond
	}
	if s.Channels <= 0 {
		s.Channels = 1
	}
	if s.MaxNotificationRequeues <= 0 {
		s.MaxNotificationRequeues = 5
	}
	if s.NotificationSendTimeout <= 0 {
		s.NotificationSendTimeout = 15 * time.Second
	}
	if s.ScaleInterval <= 0 {
		s.ScaleInterval = 5 * time.Second
	}
	if s.IdlePollInterval <= 0 {
		s.IdlePollInterval = 100 * time.Millisecond
	}
	if s.SendRateLimit < 0 {
		s.SendRateLimit = 0
	}
	return s
}

// Stats is a diagnostic view. It is not part of the delivery contract.
type Stats struct {
	Channels    int           `json:"channels"`
	QueueLen    int           `json:"queue_len"`
	Tracked     int64         `json:"tracked"`
	AvgWait     time.Duration `json:"avg_wait"`
	AvgSend     time.Duration `json:"avg_send"`
	WaitSamples int           `json:"wait_samples"`
	ScaleUps    uint64        `json:"scale_ups"`
	ScaleDowns  uint64        `json:"scale_downs"`
	LastEnqueue time.Time     `json:"last_enqueue"`
	Stopping    bool          `json:"stopping"`
}

// Event types mirrored on the event bus.
const (
	EventChannelCreated      = "push.channel.created"
	EventChannelDestroyed    = "push.channel.destroyed"
	EventNotificationSent    = "push.notification.sent"
	EventNotificationFailed  = "push.notification.failed"
	EventNotificationRequeue = "push.notification.requeue"
	EventChannelException    = "push.channel.exception"
	EventServiceException    = "push.service.exception"
	EventSubscriptionExpired = "push.subscription.expired"
	EventSubscriptionChanged = "push.subscription.changed"
)

// Event is the bus payload for every push.* event type. Fields not relevant to
// a given type are left zero.
type Event struct {
	Channels     int       `json:"channels,omitempty"`
	Notification any       `json:"-"`
	Tag          any       `json:"tag,omitempty"`
	Error        string    `json:"error,omitempty"`
	Err          error     `json:"-"`
	Token        string    `json:"token,omitempty"`
	NewToken     string    `json:"new_token,omitempty"`
	At           time.Time `json:"at"`
	Cancelled    bool      `json:"cancelled,omitempty"`
}
