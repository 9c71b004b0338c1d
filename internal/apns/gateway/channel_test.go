package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pushgate/internal/apns"
	"pushgate/internal/push"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const token = "aff0c63d9eaa63ad161bafee732d5bc2c31f66d552054718ff19ce314371e5d0"

// fakeGateway accepts net.Pipe connections and reads frames from them.
// onFrame runs after every frame; returning true closes the connection.
type fakeGateway struct {
	mu      sync.Mutex
	frames  []apns.Frame
	dials   atomic.Int32
	failErr error
	onFrame func(conn net.Conn, count int, f apns.Frame) bool
	wg      sync.WaitGroup
}

func (g *fakeGateway) dialer() Dialer {
	return DialerFunc{Address: "pipe", Dial: func(ctx context.Context) (net.Conn, error) {
		g.dials.Add(1)
		if g.failErr != nil {
			return nil, g.failErr
		}
		client, server := net.Pipe()
		g.wg.Add(1)
		go g.serve(server)
		return client, nil
	}}
}

func (g *fakeGateway) serve(conn net.Conn) {
	defer g.wg.Done()
	defer conn.Close()
	count := 0
	for {
		f, err := apns.ReadFrame(conn)
		if err != nil {
			return
		}
		count++
		g.mu.Lock()
		g.frames = append(g.frames, f)
		g.mu.Unlock()
		if g.onFrame != nil && g.onFrame(conn, count, f) {
			return
		}
	}
}

func (g *fakeGateway) frameIDs() []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]int32, 0, len(g.frames))
	for _, f := range g.frames {
		ids = append(ids, f.Identifier)
	}
	return ids
}

// results collects callback outcomes keyed by identifier.
type results struct {
	mu  sync.Mutex
	by  map[int32]push.SendResult
	seq []int32
}

func newResults() *results { return &results{by: map[int32]push.SendResult{}} }

func (r *results) cb(id int32) push.Callback {
	return func(res push.SendResult) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, dup := r.by[id]; dup {
			panic("record resolved twice")
		}
		r.by[id] = res
		r.seq = append(r.seq, id)
	}
}

func (r *results) get(id int32) (push.SendResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.by[id]
	return res, ok
}

func (r *results) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.by)
}

func (r *results) order() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.seq...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastSettings() Settings {
	return Settings{
		SkipSsl:               true,
		MaxConnectionAttempts: 3,
		ReconnectBackoff:      10 * time.Millisecond,
		ReconnectStep:         5 * time.Millisecond,
		ConnectionTimeout:     time.Second,
		DeclareSuccessAfter:   50 * time.Millisecond,
		CleanupInterval:       10 * time.Millisecond,
		DrainStallTimeout:     time.Second,
	}
}

func note(id int32, tok string) *apns.Notification {
	return &apns.Notification{Identifier: id, DeviceToken: tok, Payload: apns.NewPayload("hello")}
}

func TestHandleFailedNotification_Correlation(t *testing.T) {
	t.Parallel()

	c := newChannel(context.Background(), fastSettings(), nil)
	defer c.cancel()

	res := newResults()
	for _, id := range []int32{10, 11, 12, 13} {
		c.sent = append(c.sent, &inflight{n: note(id, token), cb: res.cb(id), sentAt: time.Now()})
	}

	c.HandleFailedNotification(99, apns.StatusInvalidToken)
	assert.Equal(t, 4, c.InFlight(), "unknown id is ignored")
	assert.Zero(t, res.len())

	c.HandleFailedNotification(12, apns.StatusInvalidToken)
	assert.Zero(t, c.InFlight())

	for _, id := range []int32{10, 11} {
		r, ok := res.get(id)
		require.True(t, ok)
		assert.True(t, r.Success, "id %d", id)
	}

	r, _ := res.get(12)
	assert.False(t, r.Success)
	assert.False(t, r.Requeue)
	var nf *apns.NotificationFailureError
	require.ErrorAs(t, r.Err, &nf)
	assert.Equal(t, apns.StatusInvalidToken, nf.Status)

	r, _ = res.get(13)
	assert.True(t, r.Requeue)
	assert.False(t, r.CountsAsRequeue)
	assert.ErrorIs(t, r.Err, ErrSentAfterFailure)

	assert.Equal(t, []int32{10, 11, 12, 13}, res.order())
}

func TestCleanup_DeclaresSuccessInSendOrder(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	s := fastSettings()
	s.DeclareSuccessAfter = 3 * time.Second
	c := newChannel(context.Background(), s, nil, WithClock(clock.Now))
	defer c.cancel()
	c.connected.Store(true)

	res := newResults()
	for i, id := range []int32{1, 2, 3} {
		at := clock.Now().Add(time.Duration(i) * time.Second)
		c.sent = append(c.sent, &inflight{n: note(id, token), cb: res.cb(id), sentAt: at})
	}

	c.Cleanup()
	assert.Zero(t, res.len(), "nothing old enough yet")

	clock.Advance(3 * time.Second)
	c.Cleanup()
	c.Cleanup()
	assert.Equal(t, []int32{1}, res.order())

	clock.Advance(time.Second)
	c.Cleanup()
	assert.Equal(t, []int32{1, 2}, res.order())

	clock.Advance(10 * time.Second)
	c.Cleanup()
	c.Cleanup()
	assert.Equal(t, []int32{1, 2, 3}, res.order())
	assert.Zero(t, c.InFlight())
	assert.Equal(t, uint64(3), c.cleanedUp.Load())
}

func TestCleanup_DisconnectedRestartsOldestClock(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	g := &fakeGateway{failErr: errors.New("connection refused")}
	s := fastSettings()
	s.MaxConnectionAttempts = 1

	var exceptions atomic.Int32
	c := newChannel(context.Background(), s, g.dialer(), WithClock(clock.Now), WithHooks(Hooks{
		Exception: func(_ *Channel, err error) {
			if errors.Is(err, push.ErrConnectionFailure) {
				exceptions.Add(1)
			}
		},
	}))
	defer c.cancel()

	res := newResults()
	rec := &inflight{n: note(1, token), cb: res.cb(1), sentAt: clock.Now()}
	c.sent = append(c.sent, rec)

	clock.Advance(time.Minute)
	c.Cleanup()

	assert.Zero(t, res.len())
	assert.Equal(t, clock.Now(), rec.sentAt)
	assert.Equal(t, int32(1), exceptions.Load())
}

func TestSend_InvalidTokenWritesNothing(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := newChannel(context.Background(), fastSettings(), g.dialer())
	defer c.Close()

	res := newResults()
	c.Send(context.Background(), note(5, "0123456789"), res.cb(5))

	r, ok := res.get(5)
	require.True(t, ok, "callback runs synchronously")
	assert.False(t, r.Success)
	assert.False(t, r.Requeue)
	assert.ErrorIs(t, r.Err, apns.ErrNotificationFailure)
	assert.Zero(t, g.dials.Load())
	assert.Empty(t, g.frameIDs())
	assert.Zero(t, c.InFlight())
}

func TestSend_DeclaredDeliveredWithoutErrorFrame(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := New(context.Background(), fastSettings(), g.dialer())

	res := newResults()
	c.Send(context.Background(), note(7, token), res.cb(7))

	require.Eventually(t, func() bool { return res.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	r, _ := res.get(7)
	assert.True(t, r.Success)
	assert.Equal(t, []int32{7}, g.frameIDs())

	require.NoError(t, c.Close())
	g.wg.Wait()
}

func TestSend_ErrorFrameReplaysLaterSends(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	g.onFrame = func(conn net.Conn, count int, _ apns.Frame) bool {
		if count < 4 {
			return false
		}
		frame := apns.ErrorFrame(apns.StatusInvalidToken, 22)
		_, _ = conn.Write(frame[:])
		return true
	}
	s := fastSettings()
	s.DeclareSuccessAfter = time.Hour
	c := New(context.Background(), s, g.dialer())

	res := newResults()
	for _, id := range []int32{21, 22, 23, 24} {
		c.Send(context.Background(), note(id, token), res.cb(id))
	}

	require.Eventually(t, func() bool { return res.len() == 4 }, 2*time.Second, 5*time.Millisecond)

	r, _ := res.get(21)
	assert.True(t, r.Success)
	r, _ = res.get(22)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, apns.ErrNotificationFailure)
	for _, id := range []int32{23, 24} {
		r, _ = res.get(id)
		assert.True(t, r.Requeue, "id %d", id)
		assert.False(t, r.CountsAsRequeue, "id %d", id)
	}
	assert.Equal(t, []int32{21, 22, 23, 24}, res.order())
	assert.Zero(t, c.InFlight())

	require.NoError(t, c.Close())
	g.wg.Wait()
}

func TestConnect_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{failErr: errors.New("connection refused")}
	var (
		waits      atomic.Int32
		exceptions atomic.Int32
	)
	c := newChannel(context.Background(), fastSettings(), g.dialer(), WithHooks(Hooks{
		WaitBeforeReconnect: func(time.Duration) { waits.Add(1) },
		Exception:           func(*Channel, error) { exceptions.Add(1) },
	}))
	defer c.Close()

	res := newResults()
	c.Send(context.Background(), note(3, token), res.cb(3))

	r, ok := res.get(3)
	require.True(t, ok)
	assert.True(t, r.Requeue)
	assert.True(t, r.CountsAsRequeue)
	var cf *push.ConnectionFailureError
	require.ErrorAs(t, r.Err, &cf)
	assert.Equal(t, 3, cf.Attempts)

	assert.Equal(t, int32(3), g.dials.Load())
	assert.Equal(t, int32(2), waits.Load())
	assert.Equal(t, int32(1), exceptions.Load())
}

func TestClose_DrainsThenRejects(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := New(context.Background(), fastSettings(), g.dialer())

	res := newResults()
	c.Send(context.Background(), note(31, token), res.cb(31))
	require.NoError(t, c.Close())

	r, ok := res.get(31)
	require.True(t, ok, "close waits for in-flight records")
	assert.True(t, r.Success)
	assert.NoError(t, c.Close())

	c.Send(context.Background(), note(32, token), res.cb(32))
	r, ok = res.get(32)
	require.True(t, ok)
	assert.True(t, r.Requeue)
	assert.ErrorIs(t, r.Err, push.ErrChannelClosed)
	g.wg.Wait()
}
