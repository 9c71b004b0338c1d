package gateway

import (
	"context"
	"time"

	"pushgate/internal/push"
	logx "pushgate/pkg/logx"
)

func (c *Channel) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(c.s.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Cleanup()
		}
	}
}

// Cleanup reconnects a dropped transport and declares in-flight sends
// delivered once they outlive DeclareSuccessAfter, oldest first. While
// disconnected the oldest record's clock is restarted instead. Overlapping
// calls return immediately.
func (c *Channel) Cleanup() {
	if !c.cleaning.CompareAndSwap(false, true) {
		return
	}
	defer c.cleaning.Store(false)

	if !c.connected.Load() && c.ctx.Err() == nil && c.shouldReconnect() {
		// connect reports terminal failures itself
		_ = c.connect()
	}

	for {
		rec := c.popExpired()
		if rec == nil {
			return
		}
		c.cleanedUp.Add(1)
		rec.cb(push.Succeeded(rec.n))
	}
}

// shouldReconnect: a closing channel reconnects only to settle in-flight
// records, and gives up once its attempts are spent.
func (c *Channel) shouldReconnect() bool {
	if !c.closing.Load() {
		return true
	}
	return c.InFlight() > 0 && int(c.attempts.Load()) < c.s.MaxConnectionAttempts
}

func (c *Channel) popExpired() *inflight {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	oldest := c.sent[0]
	now := c.now()
	if !c.connected.Load() {
		oldest.sentAt = now
		return nil
	}
	if now.Sub(oldest.sentAt) < c.s.DeclareSuccessAfter {
		return nil
	}
	c.sent[0] = nil
	c.sent = c.sent[1:]
	c.log.Trace("declared delivered", logx.Int64("id", int64(oldest.n.Identifier)))
	return oldest
}
