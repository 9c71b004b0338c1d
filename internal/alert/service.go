// Package alert forwards operational faults to an operator chat.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pushgate/internal/eventbus"
	"pushgate/internal/push/engine"
	rtsup "pushgate/internal/runtime/supervisor"
	logx "pushgate/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alert: disabled")
	ErrQueueFull = errors.New("alert: queue full")
	ErrStopped   = errors.New("alert: stopped")
)

// Sender delivers one alert. Telegram is the production implementation.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	Enabled    bool
	RatePerSec int
	// DedupWindow suppresses identical text for this long. 0 disables it.
	DedupWindow time.Duration
	QueueSize   int
	// Prefix is prepended to every alert, e.g. the host name.
	Prefix string
}

type Stats struct {
	Sent    uint64 `json:"sent"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Service queues alerts and sends them from one worker, paced by a token
// bucket. It implements logx.AlertSink.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	sender    Sender
	limiter   *rate.Limiter
	queue     chan string
	accepting bool
	sup       *rtsup.Supervisor
	unsub     func()

	log logx.Logger
	now func() time.Time

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	sent, deduped, dropped, failed atomic.Uint64
}

var _ logx.AlertSink = (*Service)(nil)

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, now: time.Now, dedup: map[uint64]time.Time{}}
	s.applyLocked(cfg)
	return s
}

// Apply updates pacing, dedup and the enabled switch. The queue size is
// fixed once started.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
	}
}

// Start runs the send worker and, when bus is non-nil, turns channel and
// service exceptions into alerts. Start is idempotent.
func (s *Service) Start(ctx context.Context, bus eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	q := s.queue
	s.sup.Go0("send", func(ctx context.Context) { s.sendLoop(ctx, q) })

	if bus != nil {
		events, unsub := bus.Subscribe(64, engine.EventChannelException, engine.EventServiceException)
		s.unsub = unsub
		s.sup.Go0("events", func(ctx context.Context) { s.eventLoop(ctx, events) })
	}
}

// Stop refuses new alerts, sends what is queued until ctx ends, and returns.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if sup == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(s.queue)
	unsub := s.unsub
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	return err
}

// Alert queues text without blocking. Identical text inside the dedup window
// is dropped silently.
func (s *Service) Alert(_ context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.cfg.Enabled:
		return ErrDisabled
	case !s.accepting:
		return ErrStopped
	}
	if !s.admit(text, s.cfg.DedupWindow) {
		s.deduped.Add(1)
		return nil
	}
	if p := strings.TrimSpace(s.cfg.Prefix); p != "" {
		text = p + " " + text
	}
	select {
	case s.queue <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// admit reports whether text is outside its dedup window and starts a new one.
func (s *Service) admit(text string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()
	now := s.now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= 1024 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) sendLoop(ctx context.Context, q <-chan string) {
	for text := range q {
		s.mu.Lock()
		lim, sender := s.limiter, s.sender
		s.mu.Unlock()

		if err := lim.Wait(ctx); err != nil {
			s.dropped.Add(1)
			continue
		}
		if sender == nil {
			s.dropped.Add(1)
			continue
		}
		if err := sender.Send(ctx, text); err != nil {
			s.failed.Add(1)
			// Not logged through logx: a mirrored error log would loop back here.
			continue
		}
		s.sent.Add(1)
	}
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Alert(ctx, FormatEvent(ev)); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Debug("exception alert not queued", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

// FormatEvent renders an exception event as alert text.
func FormatEvent(ev eventbus.Event) string {
	title := "exception"
	switch ev.Type {
	case engine.EventChannelException:
		title = "channel exception"
	case engine.EventServiceException:
		title = "service exception"
	}
	detail := ""
	if data, ok := ev.Data.(engine.Event); ok {
		detail = data.Error
	}
	if detail == "" {
		detail = "(no detail)"
	}
	return fmt.Sprintf("[ALERT] %s\n- err=%s", title, detail)
}
