package engine

import (
	"time"

	"pushgate/internal/eventbus"
	"pushgate/internal/push"
	logx "pushgate/pkg/logx"
)

// Every event goes to the observers first (in subscription order), then to the
// bus. Observers can veto a requeue; bus subscribers only ever see the outcome.

func (e *Engine) publish(typ string, ev Event) {
	if e.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	if ev.Notification != nil && ev.Tag == nil {
		if n, ok := ev.Notification.(push.Notification); ok {
			ev.Tag = n.Tag()
		}
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (e *Engine) emitChannelCreated(total int) {
	e.obs.ChannelCreated(total)
	e.publish(EventChannelCreated, Event{Channels: total})
}

func (e *Engine) emitChannelDestroyed(total int) {
	e.obs.ChannelDestroyed(total)
	e.publish(EventChannelDestroyed, Event{Channels: total})
}

func (e *Engine) emitSent(n push.Notification) {
	e.obs.NotificationSent(n)
	e.publish(EventNotificationSent, Event{Notification: n})
}

func (e *Engine) emitFailed(n push.Notification, err error) {
	e.obs.NotificationFailed(n, err)
	e.publish(EventNotificationFailed, Event{Notification: n, Err: err})
}

// emitRequeue reports whether the requeue should go ahead.
func (e *Engine) emitRequeue(n push.Notification, cause error) bool {
	ev := &push.RequeueEvent{Notification: n, Cause: cause}
	e.obs.NotificationRequeue(ev)
	e.publish(EventNotificationRequeue, Event{Notification: n, Err: cause, Cancelled: ev.Cancel})
	return !ev.Cancel
}

// ReportChannelException surfaces a channel-level fault (for example a
// channel that gave up reconnecting). Channel implementations call it through
// the hook their factory was given.
func (e *Engine) ReportChannelException(ch push.Channel, err error) {
	if err == nil {
		return
	}
	e.log.Warn("channel exception", logx.Err(err))
	e.obs.ChannelException(ch, err)
	e.publish(EventChannelException, Event{Err: err})
}

// ReportServiceException surfaces a service-level fault.
func (e *Engine) ReportServiceException(err error) {
	if err == nil {
		return
	}
	e.log.Warn("service exception", logx.Err(err))
	e.obs.ServiceException(err)
	e.publish(EventServiceException, Event{Err: err})
}

// ReportSubscriptionExpired raises subscription-expired outside the send path
// (feedback service). n may be nil.
func (e *Engine) ReportSubscriptionExpired(token string, at time.Time, n push.Notification) {
	e.obs.SubscriptionExpired(token, at, n)
	e.publish(EventSubscriptionExpired, Event{Notification: n, Token: token, At: at})
}

func (e *Engine) emitSubscriptionChanged(oldToken, newToken string, n push.Notification) {
	e.obs.SubscriptionChanged(oldToken, newToken, n)
	e.publish(EventSubscriptionChanged, Event{Notification: n, Token: oldToken, NewToken: newToken})
}
