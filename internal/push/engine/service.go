package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pushgate/internal/eventbus"
	"pushgate/internal/push"
	"pushgate/internal/push/queue"
	rtsup "pushgate/internal/runtime/supervisor"
	logx "pushgate/pkg/logx"
)

const (
	drainPollEvery    = 100 * time.Millisecond
	warnThrottleEvery = 5 * time.Second
)

// Engine owns the notification queue and a pool of channel workers, and
// resizes the pool from measured queue latency.
//
// It is safe for concurrent use.
type Engine struct {
	settings Settings
	factory  push.ChannelFactory
	log      logx.Logger
	bus      eventbus.Bus
	obs      push.Observers
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sup    *rtsup.Supervisor

	q           *queue.Queue
	tracked     atomic.Int64
	lastEnqueue atomic.Int64 // unix nanos
	stopping    atomic.Bool
	started     atomic.Bool
	scaling     atomic.Bool

	poolMu  sync.Mutex
	workers []*worker

	waits *latencySamples
	sends *latencySamples

	scaleUps   atomic.Uint64
	scaleDowns atomic.Uint64

	lastFactoryWarnAt atomic.Int64

	stopOnce sync.Once
	stopErr  error
	stopDone chan struct{}
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithBus mirrors every observer event onto bus.
func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithClock overrides time.Now for latency bookkeeping and idle detection.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an engine. No goroutines run until Start.
func New(parent context.Context, settings Settings, factory push.ChannelFactory, opts ...Option) *Engine {
	if parent == nil {
		parent = context.Background()
	}
	e := &Engine{
		settings: settings.withDefaults(),
		factory:  factory,
		log:      logx.Nop(),
		now:      time.Now,
		q:        queue.New(),
		stopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.waits = newLatencySamples(e.now)
	e.sends = newLatencySamples(e.now)
	e.ctx, e.cancel = context.WithCancel(parent)
	e.sup = rtsup.NewSupervisor(e.ctx,
		rtsup.WithLogger(e.log),
		// a broken worker must not take the whole engine down
		rtsup.WithCancelOnError(false),
	)
	e.lastEnqueue.Store(e.now().UnixNano())
	return e
}

// Settings returns the immutable settings in effect.
func (e *Engine) Settings() Settings { return e.settings }

// Subscribe registers an observer. The returned func unsubscribes it.
func (e *Engine) Subscribe(o push.Observer) (unsubscribe func()) { return e.obs.Subscribe(o) }

// Start runs one scale check immediately and then every ScaleInterval.
// Start is idempotent.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.CheckScale()
	e.sup.Go0("scale", func(ctx context.Context) {
		t := time.NewTicker(e.settings.ScaleInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopDone:
				return
			case <-t.C:
				e.CheckScale()
			}
		}
	})
	e.log.Info("push engine started",
		logx.Bool("autoscale", e.settings.AutoScaleChannels),
		logx.Int("channels", e.settings.Channels),
		logx.Int("max_channels", e.settings.MaxAutoScaleChannels),
	)
}

// Enqueue accepts n for delivery.
//
// A notification whose requeue count already reached MaxNotificationRequeues
// is failed immediately (NotificationFailed with MaxSendAttemptsReachedError)
// and the same error is returned.
func (e *Engine) Enqueue(n push.Notification) error {
	if n == nil {
		return errors.New("notification is nil")
	}
	if e.stopping.Load() || e.ctx.Err() != nil {
		return push.ErrEngineStopping
	}
	return e.enqueue(n, false, false)
}

// requeue is the internal path used by send results. It is allowed while a
// draining Stop is in progress, but not once the pool is being torn down.
func (e *Engine) requeue(n push.Notification, countsAsRequeue bool) {
	if isClosed(e.stopDone) || e.ctx.Err() != nil {
		e.emitFailed(n, push.ErrEngineStopping)
		return
	}
	_ = e.enqueue(n, countsAsRequeue, true)
}

func (e *Engine) enqueue(n push.Notification, countsAsRequeue, front bool) error {
	now := e.now()
	e.lastEnqueue.Store(now.UnixNano())

	if attempts := n.QueuedCount(); attempts >= e.settings.MaxNotificationRequeues {
		err := &push.MaxSendAttemptsReachedError{Notification: n, Attempts: attempts}
		e.log.Info("notification requeued too many times", logx.Int("attempts", attempts))
		e.emitFailed(n, err)
		return err
	}

	e.tracked.Add(1)
	n.MarkEnqueued(now)
	if countsAsRequeue {
		n.IncrementQueued()
	}
	if front {
		e.q.EnqueueFront(n)
	} else {
		e.q.Enqueue(n)
	}
	return nil
}

// Stop shuts the engine down. With waitForDrain it first polls until the
// queue is empty and nothing is tracked in flight; ctx bounds that wait.
// Every channel is then disposed in parallel and the engine context is
// cancelled. Stop is idempotent; later calls return the first result.
func (e *Engine) Stop(ctx context.Context, waitForDrain bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		log := e.log

		if waitForDrain {
			log.Info("waiting for queue to drain",
				logx.Int("queued", e.q.Len()),
				logx.Int64("tracked", e.tracked.Load()),
			)
			if err := e.waitDrained(ctx); err != nil {
				log.Warn("drain interrupted", logx.Err(err),
					logx.Int("queued", e.q.Len()),
					logx.Int64("tracked", e.tracked.Load()),
				)
				e.stopErr = err
			} else {
				log.Info("queue drained")
			}
		}

		close(e.stopDone)

		e.poolMu.Lock()
		workers := e.workers
		e.workers = nil
		e.poolMu.Unlock()

		if err := disposeAll(workers); err != nil {
			log.Warn("channel dispose failed", logx.Err(err))
			if e.stopErr == nil {
				e.stopErr = err
			}
		}

		e.cancel()
		_ = e.sup.Wait(context.Background())
		log.Info("push engine stopped", logx.Int("channels_disposed", len(workers)))
	})
	return e.stopErr
}

func (e *Engine) waitDrained(ctx context.Context) error {
	t := time.NewTicker(drainPollEvery)
	defer t.Stop()
	for e.q.Len() > 0 || e.tracked.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stats returns a diagnostic snapshot.
func (e *Engine) Stats() Stats {
	n, avgWait := e.waits.stats()
	_, avgSend := e.sends.stats()
	if n < latencyMinSamples {
		avgWait, avgSend = 0, 0
	}
	return Stats{
		Channels:    e.ChannelCount(),
		QueueLen:    e.q.Len(),
		Tracked:     e.tracked.Load(),
		AvgWait:     avgWait,
		AvgSend:     avgSend,
		WaitSamples: n,
		ScaleUps:    e.scaleUps.Load(),
		ScaleDowns:  e.scaleDowns.Load(),
		LastEnqueue: time.Unix(0, e.lastEnqueue.Load()),
		Stopping:    e.stopping.Load(),
	}
}

// ChannelCount reports the current pool size.
func (e *Engine) ChannelCount() int {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return len(e.workers)
}

func (e *Engine) shouldWarn(last *atomic.Int64) bool {
	prev := last.Load()
	n := e.now().UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
