package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pushgate/internal/apns"
	"pushgate/internal/eventbus"
	"pushgate/internal/push/engine"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
)

var recordedEvents = []string{
	engine.EventNotificationSent,
	engine.EventNotificationFailed,
	engine.EventSubscriptionExpired,
	engine.EventSubscriptionChanged,
}

// RecorderStats counts store writes.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

// recorder writes delivery verdicts and dead tokens to the store.
type recorder struct {
	store   storage.Store
	log     logx.Logger
	timeout time.Duration

	written, failed atomic.Uint64
}

func newRecorder(store storage.Store, log logx.Logger) *recorder {
	return &recorder{store: store, log: log, timeout: 2 * time.Second}
}

func (r *recorder) Stats() RecorderStats {
	return RecorderStats{Written: r.written.Load(), Failed: r.failed.Load()}
}

// run consumes events until ctx ends, then flushes whatever is buffered.
func (r *recorder) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					r.record(ctx, ev)
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *recorder) record(ctx context.Context, ev eventbus.Event) {
	// Writes outlive cancellation so the final verdicts land; the timeout bounds them.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.write(cctx, ev); err != nil {
		r.failed.Add(1)
		r.log.Warn("record event failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	r.written.Add(1)
}

func (r *recorder) write(ctx context.Context, ev eventbus.Event) error {
	data, ok := ev.Data.(engine.Event)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Data)
	}
	at := data.At
	if at.IsZero() {
		at = ev.Time
	}
	tag := ""
	if data.Tag != nil {
		tag = fmt.Sprint(data.Tag)
	}

	switch ev.Type {
	case engine.EventNotificationSent, engine.EventNotificationFailed:
		rec := storage.DeliveryRecord{At: at, Result: storage.ResultSent, Tag: tag}
		if ev.Type == engine.EventNotificationFailed {
			rec.Result = storage.ResultFailed
			rec.Error = data.Error
		}
		if n, ok := data.Notification.(*apns.Notification); ok && n != nil {
			rec.Identifier = int64(n.Identifier)
			rec.Token = n.DeviceToken
		}
		return r.store.AppendDelivery(ctx, rec)

	case engine.EventSubscriptionExpired, engine.EventSubscriptionChanged:
		t := storage.ExpiredToken{Token: data.Token, At: at, Reason: storage.ReasonExpired, Tag: tag}
		if ev.Type == engine.EventSubscriptionChanged {
			t.Reason = storage.ReasonChanged
			t.NewToken = data.NewToken
		}
		return r.store.PutExpiredToken(ctx, t)
	}
	return nil
}
