package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushgate/internal/apns"
	"pushgate/internal/eventbus"
	"pushgate/internal/push/engine"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
)

type memStore struct {
	mu         sync.Mutex
	tokens     []storage.ExpiredToken
	deliveries []storage.DeliveryRecord
	err        error
}

func (m *memStore) PutExpiredToken(_ context.Context, t storage.ExpiredToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tokens = append(m.tokens, t)
	return nil
}

func (m *memStore) ExpiredTokens(context.Context, time.Time, int) ([]storage.ExpiredToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.ExpiredToken(nil), m.tokens...), nil
}

func (m *memStore) AppendDelivery(_ context.Context, d storage.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestRecorder_WritesEvents(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := apns.NewNotification(token, apns.NewPayload("x"))
	n.SetTag("order-1")

	st := &memStore{}
	r := newRecorder(st, logx.Nop())
	ctx := context.Background()

	r.record(ctx, eventbus.Event{Type: engine.EventNotificationSent, Data: engine.Event{Notification: n, Tag: "order-1", At: at}})
	r.record(ctx, eventbus.Event{Type: engine.EventNotificationFailed, Data: engine.Event{Notification: n, Error: "boom", At: at}})
	r.record(ctx, eventbus.Event{Type: engine.EventSubscriptionExpired, Data: engine.Event{Token: token, At: at}})
	r.record(ctx, eventbus.Event{Type: engine.EventSubscriptionChanged, Data: engine.Event{Token: token, NewToken: "ab", At: at}})

	require.Len(t, st.deliveries, 2)
	assert.Equal(t, storage.DeliveryRecord{
		At: at, Result: storage.ResultSent, Identifier: int64(n.Identifier), Token: token, Tag: "order-1",
	}, st.deliveries[0])
	assert.Equal(t, storage.ResultFailed, st.deliveries[1].Result)
	assert.Equal(t, "boom", st.deliveries[1].Error)

	require.Len(t, st.tokens, 2)
	assert.Equal(t, storage.ReasonExpired, st.tokens[0].Reason)
	assert.Equal(t, storage.ReasonChanged, st.tokens[1].Reason)
	assert.Equal(t, "ab", st.tokens[1].NewToken)

	assert.Equal(t, RecorderStats{Written: 4}, r.Stats())
}

func TestRecorder_CountsFailures(t *testing.T) {
	t.Parallel()

	st := &memStore{err: errors.New("disk full")}
	r := newRecorder(st, logx.Nop())

	r.record(context.Background(), eventbus.Event{Type: engine.EventSubscriptionExpired, Data: engine.Event{Token: token}})
	r.record(context.Background(), eventbus.Event{Type: engine.EventSubscriptionExpired, Data: "not an event"})
	assert.Equal(t, RecorderStats{Failed: 2}, r.Stats())
}

func TestRecorder_FlushesOnCancel(t *testing.T) {
	t.Parallel()

	st := &memStore{}
	r := newRecorder(st, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, recordedEvents...)
	defer unsub()

	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Type: engine.EventSubscriptionExpired, Data: engine.Event{Token: token}})
	}
	bus.Publish(eventbus.Event{Type: engine.EventChannelCreated, Data: engine.Event{Channels: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.run(ctx, events)

	assert.Equal(t, uint64(3), r.Stats().Written)
}
