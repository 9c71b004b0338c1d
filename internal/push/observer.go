package push

import (
	"sync"
	"time"
)

// RequeueEvent is passed to observers before a notification is requeued.
// Setting Cancel drops the requeue; the notification is then discarded silently.
type RequeueEvent struct {
	Notification Notification
	Cause        error
	Cancel       bool
}

// Observer receives engine events. Methods are called synchronously from
// engine goroutines and must not block.
type Observer interface {
	ChannelCreated(total int)
	ChannelDestroyed(total int)
	NotificationSent(n Notification)
	NotificationFailed(n Notification, err error)
	NotificationRequeue(ev *RequeueEvent)
	ChannelException(ch Channel, err error)
	ServiceException(err error)
	SubscriptionExpired(token string, at time.Time, n Notification)
	SubscriptionChanged(oldToken, newToken string, n Notification)
}

// BaseObserver implements Observer with no-ops. Embed it and override what you need.
type BaseObserver struct{}

func (BaseObserver) ChannelCreated(int)                                 {}
func (BaseObserver) ChannelDestroyed(int)                               {}
func (BaseObserver) NotificationSent(Notification)                      {}
func (BaseObserver) NotificationFailed(Notification, error)             {}
func (BaseObserver) NotificationRequeue(*RequeueEvent)                  {}
func (BaseObserver) ChannelException(Channel, error)                    {}
func (BaseObserver) ServiceException(error)                             {}
func (BaseObserver) SubscriptionExpired(string, time.Time, Notification) {}
func (BaseObserver) SubscriptionChanged(string, string, Notification)   {}

// Observers is an ordered observer registry.
//
// Dispatch happens in subscription order over a snapshot, so observers may
// unsubscribe from inside a callback.
type Observers struct {
	mu   sync.RWMutex
	seq  uint64
	subs []observerEntry
}

var _ Observer = (*Observers)(nil)

type observerEntry struct {
	id uint64
	o  Observer
}

// Subscribe registers o and returns a func that removes it again.
func (r *Observers) Subscribe(o Observer) (unsubscribe func()) {
	if o == nil {
		return func() {}
	}
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.subs = append(r.subs, observerEntry{id: id, o: o})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, e := range r.subs {
				if e.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Observers) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Observers) each(fn func(Observer)) {
	r.mu.RLock()
	subs := make([]observerEntry, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()
	for _, e := range subs {
		fn(e.o)
	}
}

func (r *Observers) ChannelCreated(total int) {
	r.each(func(o Observer) { o.ChannelCreated(total) })
}

func (r *Observers) ChannelDestroyed(total int) {
	r.each(func(o Observer) { o.ChannelDestroyed(total) })
}

func (r *Observers) NotificationSent(n Notification) {
	r.each(func(o Observer) { o.NotificationSent(n) })
}

func (r *Observers) NotificationFailed(n Notification, err error) {
	r.each(func(o Observer) { o.NotificationFailed(n, err) })
}

// NotificationRequeue lets every observer see ev; any of them may set ev.Cancel.
func (r *Observers) NotificationRequeue(ev *RequeueEvent) {
	r.each(func(o Observer) { o.NotificationRequeue(ev) })
}

func (r *Observers) ChannelException(ch Channel, err error) {
	r.each(func(o Observer) { o.ChannelException(ch, err) })
}

func (r *Observers) ServiceException(err error) {
	r.each(func(o Observer) { o.ServiceException(err) })
}

func (r *Observers) SubscriptionExpired(token string, at time.Time, n Notification) {
	r.each(func(o Observer) { o.SubscriptionExpired(token, at, n) })
}

func (r *Observers) SubscriptionChanged(oldToken, newToken string, n Notification) {
	r.each(func(o Observer) { o.SubscriptionChanged(oldToken, newToken, n) })
}
