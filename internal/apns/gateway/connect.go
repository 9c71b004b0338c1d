package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"pushgate/internal/apns"
	"pushgate/internal/push"
	logx "pushgate/pkg/logx"
)

// connect returns once the channel is connected, retrying with backoff.
// After MaxConnectionAttempts consecutive failures it reports a
// *push.ConnectionFailureError through Hooks.Exception and returns it; every
// later call makes a single attempt until one succeeds.
func (c *Channel) connect() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	for !c.connected.Load() {
		if err := c.ctx.Err(); err != nil {
			return push.ErrChannelClosed
		}
		attempt := c.attempts.Add(1)

		err := c.dialOnce()
		if err == nil {
			c.attempts.Store(0)
			c.reconnectDelay = c.s.ReconnectBackoff
			c.log.Info("gateway connected", logx.String("addr", c.dial.Addr()))
			if h := c.hooks.Connected; h != nil {
				h(c.dial.Addr())
			}
			return nil
		}

		c.log.Warn("gateway connect failed",
			logx.String("addr", c.dial.Addr()),
			logx.Int("attempt", int(attempt)),
			logx.Err(err),
		)
		if h := c.hooks.ConnectionFailure; h != nil {
			h(err)
		}

		if int(attempt) >= c.s.MaxConnectionAttempts {
			cf := &push.ConnectionFailureError{Attempts: int(attempt), Err: err}
			c.exception(cf)
			return cf
		}

		delay := c.reconnectDelay
		if h := c.hooks.WaitBeforeReconnect; h != nil {
			h(delay)
		}
		c.log.Debug("waiting before reconnect", logx.Duration("delay", delay))
		for waited := time.Duration(0); waited <= delay; waited += c.s.ReconnectStep {
			if c.sleep(c.ctx, c.s.ReconnectStep) != nil {
				break
			}
		}
		c.reconnectDelay = time.Duration(float64(delay) * c.s.ReconnectMultiplier)
	}
	return nil
}

func (c *Channel) dialOnce() error {
	c.disconnect(c.currentConn())

	if h := c.hooks.Connecting; h != nil {
		h(c.dial.Addr())
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.s.ConnectionTimeout)
	defer cancel()
	conn, err := c.dial.DialContext(ctx)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	c.reconnects.Add(1)

	c.sup.Go0("reader", func(ctx context.Context) { c.readLoop(ctx, conn) })
	return nil
}

func (c *Channel) currentConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// disconnect closes conn if it is still the current connection.
func (c *Channel) disconnect(conn net.Conn) {
	if conn == nil {
		return
	}
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connected.Store(false)
	c.connMu.Unlock()
	_ = conn.Close()
}

// markDisconnected flags conn as down without closing it again.
func (c *Channel) markDisconnected(conn net.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.connected.Store(false)
	}
	c.connMu.Unlock()
}

// readLoop waits for error frames on conn. The gateway closes the
// connection right after sending one.
func (c *Channel) readLoop(ctx context.Context, conn net.Conn) {
	var buf [apns.ErrorFrameSize]byte
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := io.ReadFull(conn, buf[:])
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				c.log.Debug("gateway read ended", logx.Err(err))
			}
			c.markDisconnected(conn)
			return
		}
		c.disconnect(conn)
		_, status, id := apns.ParseErrorFrame(buf)
		c.HandleFailedNotification(id, status)
	}
}

func (c *Channel) exception(err error) {
	c.log.Error("gateway channel exception", logx.Err(err))
	if h := c.hooks.Exception; h != nil {
		h(c, err)
	}
}
