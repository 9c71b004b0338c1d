package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pushgate/internal/apns"
	"pushgate/internal/push"
	rtsup "pushgate/internal/runtime/supervisor"
	logx "pushgate/pkg/logx"
)

var (
	ErrUnsupportedNotification = errors.New("gateway: notification is not an apns notification")
	ErrSentAfterFailure        = errors.New("gateway: sent after a previously failed notification")
)

// Hooks observe connection lifecycle. Nil members are skipped.
type Hooks struct {
	Connecting          func(addr string)
	Connected           func(addr string)
	WaitBeforeReconnect func(d time.Duration)
	ConnectionFailure   func(err error)
	// Exception receives channel-level errors, such as giving up on reconnecting.
	Exception func(ch *Channel, err error)
}

type inflight struct {
	n      *apns.Notification
	cb     push.Callback
	sentAt time.Time
}

// Channel is one always-reconnecting connection to the binary gateway.
//
// The gateway never acknowledges a frame. A send is reported delivered once
// it has been in flight for DeclareSuccessAfter without an error frame; an
// error frame fails its target and replays everything written after it.
type Channel struct {
	s     Settings
	dial  Dialer
	log   logx.Logger
	hooks Hooks
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sup    *rtsup.Supervisor

	connectMu      sync.Mutex
	reconnectDelay time.Duration
	attempts       atomic.Int32

	writeMu sync.Mutex

	connMu    sync.Mutex
	conn      net.Conn
	connected atomic.Bool

	sentMu sync.Mutex
	sent   []*inflight

	cleaning atomic.Bool
	closing  atomic.Bool

	cleanedUp  atomic.Uint64
	reconnects atomic.Uint64

	closeOnce sync.Once
}

var _ push.Channel = (*Channel)(nil)

type Option func(*Channel)

func WithLogger(log logx.Logger) Option { return func(c *Channel) { c.log = log } }

func WithHooks(h Hooks) Option { return func(c *Channel) { c.hooks = h } }

func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a channel and starts its cleanup ticker. The connection is
// opened lazily by the first Send or cleanup tick.
func New(parent context.Context, s Settings, dial Dialer, opts ...Option) *Channel {
	c := newChannel(parent, s, dial, opts...)
	c.sup.Go0("cleanup", c.cleanupLoop)
	return c
}

func newChannel(parent context.Context, s Settings, dial Dialer, opts ...Option) *Channel {
	if parent == nil {
		parent = context.Background()
	}
	s = s.WithDefaults()
	c := &Channel{
		s:              s,
		dial:           dial,
		log:            logx.Nop(),
		now:            time.Now,
		reconnectDelay: s.ReconnectBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	c.sup = rtsup.NewSupervisor(c.ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	return c
}

// NewFactory returns a push.ChannelFactory producing gateway channels.
func NewFactory(s Settings, dial Dialer, opts ...Option) push.ChannelFactory {
	return func(ctx context.Context) (push.Channel, error) {
		if dial == nil {
			return nil, errors.New("gateway: nil dialer")
		}
		return New(ctx, s, dial, opts...), nil
	}
}

// Send encodes n and writes it. The verdict arrives later through cb.
func (c *Channel) Send(_ context.Context, pn push.Notification, cb push.Callback) {
	if cb == nil {
		cb = func(push.SendResult) {}
	}
	if c.closing.Load() || c.ctx.Err() != nil {
		cb(push.Requeued(pn, push.ErrChannelClosed, true))
		return
	}
	n, ok := pn.(*apns.Notification)
	if !ok {
		cb(push.Failed(pn, ErrUnsupportedNotification))
		return
	}

	frame, err := n.ToBytes()
	if err != nil {
		cb(push.Failed(n, err))
		return
	}

	if err := c.connect(); err != nil {
		cb(push.Requeued(n, err, true))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.currentConn()
	if conn == nil || !c.connected.Load() {
		c.disconnect(conn)
		cb(push.Requeued(n, push.ErrChannelClosed, true))
		return
	}

	// Tracked before the write: an error frame may arrive before Write returns.
	rec := &inflight{n: n, cb: cb, sentAt: c.now()}
	c.sentMu.Lock()
	c.sent = append(c.sent, rec)
	c.sentMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.s.ConnectionTimeout))
	_, err = conn.Write(frame)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		c.log.Warn("gateway write failed", logx.Int64("id", int64(n.Identifier)), logx.Err(err))
		c.disconnect(conn)
		if c.remove(rec) {
			cb(push.Requeued(n, fmt.Errorf("%w: %v", push.ErrChannelClosed, err), true))
		}
	}
}

// remove drops rec from the in-flight list and reports whether it was still there.
func (c *Channel) remove(rec *inflight) bool {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	for i, r := range c.sent {
		if r == rec {
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			return true
		}
	}
	return false
}

// InFlight reports the number of unresolved sends.
func (c *Channel) InFlight() int {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return len(c.sent)
}

// Connected reports whether the transport is currently up.
func (c *Channel) Connected() bool { return c.connected.Load() }

// HandleFailedNotification resolves the in-flight list against an error
// frame naming id: earlier records succeed, the match fails with status and
// later records are requeued without counting against their budget.
// Unknown ids are ignored.
func (c *Channel) HandleFailedNotification(id int32, status apns.Status) {
	c.sentMu.Lock()
	idx := -1
	for i, r := range c.sent {
		if r.n.Identifier == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.sentMu.Unlock()
		c.log.Debug("error frame for unknown id", logx.Int64("id", int64(id)), logx.String("status", status.String()))
		return
	}
	records := c.sent
	c.sent = nil
	c.sentMu.Unlock()

	c.log.Info("notification rejected by gateway",
		logx.Int64("id", int64(id)),
		logx.Int("status", int(status)),
		logx.String("reason", status.String()),
		logx.Int("delivered", idx),
		logx.Int("replayed", len(records)-idx-1),
	)

	for _, r := range records[:idx] {
		r.cb(push.Succeeded(r.n))
	}
	failed := records[idx]
	failed.cb(push.Failed(failed.n, &apns.NotificationFailureError{Status: status, Notification: failed.n}))
	for _, r := range records[idx+1:] {
		r.cb(push.Requeued(r.n, ErrSentAfterFailure, false))
	}
}

// Close stops accepting sends, waits for in-flight records to resolve (or
// stop making progress), then tears the channel down. Records still open
// at that point are requeued without counting against their budget.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.log.Debug("gateway channel closing", logx.Int("in_flight", c.InFlight()))

		last := c.InFlight()
		progressAt := time.Now()
		for last > 0 {
			c.Cleanup()
			if c.sleep(c.ctx, 100*time.Millisecond) != nil {
				break
			}
			cur := c.InFlight()
			if cur < last {
				last, progressAt = cur, time.Now()
				continue
			}
			if time.Since(progressAt) >= c.s.DrainStallTimeout {
				c.log.Warn("gateway drain stalled", logx.Int("in_flight", cur))
				break
			}
		}
		c.Cleanup()

		c.sentMu.Lock()
		left := c.sent
		c.sent = nil
		c.sentMu.Unlock()
		for _, r := range left {
			r.cb(push.Requeued(r.n, push.ErrChannelClosed, false))
		}

		c.cancel()
		c.disconnect(c.currentConn())
		_ = c.sup.Wait(context.Background())
		c.log.Info("gateway channel closed",
			logx.Uint64("cleaned_up", c.cleanedUp.Load()),
			logx.Uint64("reconnects", c.reconnects.Load()),
		)
	})
	return nil
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
