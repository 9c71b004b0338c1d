package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pushgate/internal/eventbus"
	"pushgate/internal/push/engine"
	logx "pushgate/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestService_DedupAndPrefix(t *testing.T) {
	sender := &fakeSender{}
	now := time.Unix(1_700_000_000, 0)
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute, Prefix: "[edge-1]"}, sender, logx.Nop())
	s.now = func() time.Time { return now }
	s.Start(context.Background(), nil)

	require.NoError(t, s.Alert(context.Background(), "gateway down"))
	require.NoError(t, s.Alert(context.Background(), "gateway down"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Alert(context.Background(), "gateway down"))
	require.NoError(t, s.Alert(context.Background(), "   "))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"[edge-1] gateway down", "[edge-1] gateway down"}, sender.all())
	assert.Equal(t, Stats{Sent: 2, Deduped: 1}, s.Stats())

	assert.ErrorIs(t, s.Alert(context.Background(), "late"), ErrStopped)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestService_DisabledAndQueueFull(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop())
	s.Start(context.Background(), nil)
	assert.ErrorIs(t, s.Alert(context.Background(), "x"), ErrDisabled)
	require.NoError(t, s.Stop(context.Background()))

	block := make(chan struct{})
	sender := senderFunc(func(ctx context.Context, _ string) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	s = New(Config{Enabled: true, RatePerSec: 100, QueueSize: 1}, sender, logx.Nop())
	s.Start(context.Background(), nil)

	// One in the worker, one queued, the rest dropped.
	var full int
	for i := range 5 {
		if errors.Is(s.Alert(context.Background(), strings.Repeat("x", i+1)), ErrQueueFull) {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 3)
	close(block)
	require.NoError(t, s.Stop(context.Background()))
}

type senderFunc func(ctx context.Context, text string) error

func (f senderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

func TestService_FailuresCounted(t *testing.T) {
	s := New(Config{Enabled: true, RatePerSec: 100}, &fakeSender{err: errors.New("403")}, logx.Nop())
	s.Start(context.Background(), nil)
	require.NoError(t, s.Alert(context.Background(), "a"))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestService_ExceptionEvents(t *testing.T) {
	bus := eventbus.New()
	sender := &fakeSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, sender, logx.Nop())
	s.Start(context.Background(), bus)
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: engine.EventNotificationSent, Data: engine.Event{}})
	bus.Publish(eventbus.Event{Type: engine.EventChannelException, Data: engine.Event{Error: "connection failure after 3 attempts"}})

	require.Eventually(t, func() bool { return len(sender.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "[ALERT] channel exception\n- err=connection failure after 3 attempts", sender.all()[0])
}

func TestFormatEvent_NoDetail(t *testing.T) {
	got := FormatEvent(eventbus.Event{Type: engine.EventServiceException})
	assert.Equal(t, "[ALERT] service exception\n- err=(no detail)", got)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 10))

	for _, c := range splitText(strings.Repeat("z", 25), 10) {
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestTelegram_SendsToChatAndThread(t *testing.T) {
	var (
		mu   sync.Mutex
		got  url.Values
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		path = r.URL.Path
		got = decodeParams(body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100123,"type":"supergroup"},"text":"x"}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "42:secret", ChatID: -100123, ThreadID: 7, APIURL: srv.URL})
	require.NoError(t, err)
	defer tg.Close()
	require.NoError(t, tg.Send(context.Background(), "gateway down"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bot42:secret/sendMessage", path)
	assert.Equal(t, "-100123", got.Get("chat_id"))
	assert.Equal(t, "gateway down", got.Get("text"))
	assert.Equal(t, "7", got.Get("message_thread_id"))
}

// decodeParams reads the JSON body the Bot API client sends.
func decodeParams(body []byte) url.Values {
	var m map[string]any
	out := url.Values{}
	if json.Unmarshal(body, &m) != nil {
		return out
	}
	for k, v := range m {
		out.Set(k, fmt.Sprint(v))
	}
	return out
}

func TestNewTelegram_Validation(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "x"})
	assert.Error(t, err)
}
