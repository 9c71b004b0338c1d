package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pushgate/internal/push"
	logx "pushgate/pkg/logx"
)

// worker binds one goroutine to one channel. It has its own cancellation so
// a scale-down of one worker never touches its siblings.
type worker struct {
	id      string
	ch      push.Channel
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter
}

func (e *Engine) newWorker(ch push.Channel, ctx context.Context, cancel context.CancelFunc) *worker {
	w := &worker{
		id:     uuid.NewString(),
		ch:     ch,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if lim := e.settings.SendRateLimit; lim > 0 {
		burst := int(lim)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(lim), burst)
	}
	return w
}

// dispose stops the worker loop, then lets the channel drain what it has in flight.
func (w *worker) dispose() error {
	w.cancel()
	<-w.done
	return w.ch.Close()
}

func disposeAll(workers []*worker) error {
	if len(workers) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, w := range workers {
		g.Go(w.dispose)
	}
	return g.Wait()
}

func (e *Engine) runWorker(w *worker) {
	defer close(w.done)
	log := e.log.With(logx.String("worker", w.id))
	log.Debug("channel worker started")
	defer log.Debug("channel worker stopped")

	idle := time.NewTimer(e.settings.IdlePollInterval)
	defer idle.Stop()

	for {
		if w.ctx.Err() != nil {
			return
		}

		n, ok := e.q.Dequeue()
		if !ok {
			idle.Reset(e.settings.IdlePollInterval)
			select {
			case <-w.ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		e.waits.add(e.now().Sub(n.EnqueuedAt()))

		if w.limiter != nil {
			if err := w.limiter.Wait(w.ctx); err != nil {
				// Cancelled while pacing: hand the item back untouched.
				e.q.EnqueueFront(n)
				return
			}
		}

		e.sendOne(w, n)
	}
}

func (e *Engine) sendOne(w *worker, n push.Notification) {
	start := e.now()
	var (
		resolved atomic.Bool
		done     = make(chan struct{})
	)

	cb := func(r push.SendResult) {
		if !resolved.CompareAndSwap(false, true) {
			// The send timed out earlier and was already reported failed.
			e.log.Debug("late send result ignored",
				logx.String("worker", w.id),
				logx.Bool("success", r.Success),
				logx.Err(r.Err),
			)
			return
		}
		if r.Notification == nil {
			r.Notification = n
		}
		e.handleResult(r, start)
		close(done)
	}

	w.ch.Send(w.ctx, n, cb)

	if !e.settings.BlockOnMessageResult {
		return
	}

	t := time.NewTimer(e.settings.NotificationSendTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		if resolved.CompareAndSwap(false, true) {
			e.tracked.Add(-1)
			e.emitFailed(n, &push.TimeoutError{Notification: n})
		}
	}
}

func (e *Engine) handleResult(r push.SendResult, start time.Time) {
	e.tracked.Add(-1)
	e.sends.add(e.now().Sub(start))

	n := r.Notification
	switch {
	case r.Requeue:
		if e.emitRequeue(n, r.Err) {
			e.requeue(n, r.CountsAsRequeue)
		}
	case !r.Success && r.SubscriptionExpired && r.NewToken != "":
		e.emitSubscriptionChanged(r.OldToken, r.NewToken, n)
	case !r.Success && r.SubscriptionExpired:
		e.ReportSubscriptionExpired(r.OldToken, r.ExpiredAt, n)
	case !r.Success:
		err := r.Err
		if err == nil {
			err = errors.New("send failed")
		}
		e.emitFailed(n, err)
	default:
		e.emitSent(n)
	}
}
