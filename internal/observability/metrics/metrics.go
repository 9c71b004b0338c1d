// Package metrics exposes push engine activity as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pushgate/internal/push"
	"pushgate/internal/push/engine"
)

const namespace = "pushgate"

// Metrics is a push.Observer that counts engine events.
type Metrics struct {
	push.BaseObserver

	notifications      *prometheus.CounterVec
	requeues           prometheus.Counter
	channels           prometheus.Gauge
	channelEvents      *prometheus.CounterVec
	subscriptionEvents *prometheus.CounterVec
	exceptions         *prometheus.CounterVec
}

var _ push.Observer = (*Metrics)(nil)

// New registers the counters with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications with a final verdict, by result.",
		}, []string{"result"}),
		requeues: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Requeue requests raised by channels.",
		}),
		channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Open channels.",
		}),
		channelEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Channel lifecycle events.",
		}, []string{"event"}),
		subscriptionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Device tokens reported expired or changed.",
		}, []string{"kind"}),
		exceptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Channel and service exceptions.",
		}, []string{"scope"}),
	}
}

// RegisterStats exposes queue length and in-flight count, read from stats
// at scrape time.
func RegisterStats(reg prometheus.Registerer, stats func() engine.Stats) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Notifications waiting in the queue.",
	}, func() float64 { return float64(stats().QueueLen) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight",
		Help:      "Notifications accepted but not yet resolved.",
	}, func() float64 { return float64(stats().Tracked) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "avg_send_seconds",
		Help:      "Average send latency over the sampling window.",
	}, func() float64 { return stats().AvgSend.Seconds() })
}

func (m *Metrics) ChannelCreated(total int) {
	m.channels.Set(float64(total))
	m.channelEvents.WithLabelValues("created").Inc()
}

func (m *Metrics) ChannelDestroyed(total int) {
	m.channels.Set(float64(total))
	m.channelEvents.WithLabelValues("destroyed").Inc()
}

func (m *Metrics) NotificationSent(push.Notification) {
	m.notifications.WithLabelValues("sent").Inc()
}

func (m *Metrics) NotificationFailed(_ push.Notification, err error) {
	result := "failed"
	var maxed *push.MaxSendAttemptsReachedError
	if errors.As(err, &maxed) {
		result = "max_attempts"
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) NotificationRequeue(*push.RequeueEvent) { m.requeues.Inc() }

func (m *Metrics) ChannelException(push.Channel, error) {
	m.exceptions.WithLabelValues("channel").Inc()
}

func (m *Metrics) ServiceException(error) {
	m.exceptions.WithLabelValues("service").Inc()
}

func (m *Metrics) SubscriptionExpired(string, time.Time, push.Notification) {
	m.subscriptionEvents.WithLabelValues("expired").Inc()
}

func (m *Metrics) SubscriptionChanged(string, string, push.Notification) {
	m.subscriptionEvents.WithLabelValues("changed").Inc()
}
