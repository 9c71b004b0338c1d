package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PrefixFilter(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	exc, unsubExc := b.Subscribe(4, "push.channel.exception", "push.service.")
	defer unsubExc()

	b.Publish(Event{Type: "push.notification.sent"})
	b.Publish(Event{Type: "push.service.exception"})

	require.Len(t, all, 2)
	require.Len(t, exc, 1)
	ev := <-exc
	assert.Equal(t, "push.service.exception", ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBus_UnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
	assert.Zero(t, b.Dropped())
}
