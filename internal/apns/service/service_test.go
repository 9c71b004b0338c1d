package service

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pushgate/internal/apns"
	"pushgate/internal/apns/feedback"
	"pushgate/internal/apns/gateway"
	"pushgate/internal/push"
	"pushgate/internal/push/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const token = "aff0c63d9eaa63ad161bafee732d5bc2c31f66d552054718ff19ce314371e5d0"

// drainDialer accepts pipes and discards every frame.
func drainDialer() gateway.Dialer {
	return gateway.DialerFunc{Address: "pipe", Dial: func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			for {
				if _, err := apns.ReadFrame(server); err != nil {
					return
				}
			}
		}()
		return client, nil
	}}
}

func feedbackDialer(records []byte) gateway.Dialer {
	return gateway.DialerFunc{Address: "pipe", Dial: func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			_, _ = server.Write(records)
		}()
		return client, nil
	}}
}

type observer struct {
	push.BaseObserver

	mu      sync.Mutex
	sent    []push.Notification
	failed  []error
	expired []string
	nilNote bool
}

func (o *observer) NotificationSent(n push.Notification) {
	o.mu.Lock()
	o.sent = append(o.sent, n)
	o.mu.Unlock()
}

func (o *observer) NotificationFailed(_ push.Notification, err error) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

func (o *observer) SubscriptionExpired(token string, _ time.Time, n push.Notification) {
	o.mu.Lock()
	o.expired = append(o.expired, token)
	o.nilNote = n == nil
	o.mu.Unlock()
}

func (o *observer) snapshot() (sent, failed, expired int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent), len(o.failed), len(o.expired)
}

func testSettings() (gateway.Settings, engine.Settings) {
	gw := gateway.NewSettings(false)
	gw.SkipSsl = true
	gw.DeclareSuccessAfter = 50 * time.Millisecond
	gw.CleanupInterval = 10 * time.Millisecond
	gw.ReconnectBackoff = 10 * time.Millisecond
	gw.ReconnectStep = 5 * time.Millisecond
	gw.DrainStallTimeout = time.Second

	es := engine.DefaultSettings()
	es.ScaleInterval = 20 * time.Millisecond
	es.IdlePollInterval = 5 * time.Millisecond
	es.BlockOnMessageResult = true // the service must turn this off
	return gw, es
}

func TestService_DeliversAndRejects(t *testing.T) {
	t.Parallel()

	gw, es := testSettings()
	gw.DisableFeedback = true
	svc, err := New(context.Background(), gw, es, WithDialer(drainDialer()))
	require.NoError(t, err)
	assert.False(t, svc.engine.Settings().BlockOnMessageResult)

	obs := &observer{}
	svc.Subscribe(obs)
	svc.Start()

	require.NoError(t, svc.QueueNotification(apns.NewNotification(token, apns.NewPayload("hello"))))
	require.NoError(t, svc.QueueNotification(apns.NewNotification("0123456789", apns.NewPayload("bad"))))

	require.Eventually(t, func() bool {
		sent, failed, _ := obs.snapshot()
		return sent == 1 && failed == 1
	}, 3*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	assert.ErrorIs(t, obs.failed[0], apns.ErrNotificationFailure)
	obs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx, true))

	_, err = svc.PollFeedback(context.Background())
	assert.Error(t, err)
}

func TestService_FeedbackRaisesExpiry(t *testing.T) {
	t.Parallel()

	tok, _ := hex.DecodeString(token)
	gw, es := testSettings()
	svc, err := New(context.Background(), gw, es,
		WithDialer(drainDialer()),
		WithFeedbackDialer(feedbackDialer(feedback.Record(tok, time.Now()))),
		WithFeedbackFirstRun(time.Hour),
	)
	require.NoError(t, err)

	obs := &observer{}
	svc.Subscribe(obs)
	svc.Start()

	n, err := svc.PollFeedback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	obs.mu.Lock()
	assert.Equal(t, []string{token}, obs.expired)
	assert.True(t, obs.nilNote)
	obs.mu.Unlock()

	require.NoError(t, svc.Stop(context.Background(), false))
}

func TestNew_RequiresCertificate(t *testing.T) {
	t.Parallel()

	gw, es := testSettings()
	gw.SkipSsl = false
	_, err := New(context.Background(), gw, es)
	assert.ErrorIs(t, err, gateway.ErrNoCertificate)
}
