// Package service composes the push engine with APNs gateway channels and
// the feedback scheduler.
package service

import (
	"context"
	"errors"
	"time"

	"pushgate/internal/apns"
	"pushgate/internal/apns/feedback"
	"pushgate/internal/apns/gateway"
	"pushgate/internal/eventbus"
	"pushgate/internal/push"
	"pushgate/internal/push/engine"
	logx "pushgate/pkg/logx"
)

// Service is the Apple push service.
type Service struct {
	gw       gateway.Settings
	engine   *engine.Engine
	feedback *feedback.Scheduler
	log      logx.Logger
}

type options struct {
	log          logx.Logger
	bus          eventbus.Bus
	dialer       gateway.Dialer
	feedbackDial gateway.Dialer
	feedbackRun  time.Duration
}

type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithDialer replaces the TLS gateway dialer.
func WithDialer(d gateway.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithFeedbackDialer replaces the TLS feedback dialer.
func WithFeedbackDialer(d gateway.Dialer) Option { return func(o *options) { o.feedbackDial = d } }

// WithFeedbackFirstRun overrides the delay before the first feedback poll.
func WithFeedbackFirstRun(d time.Duration) Option { return func(o *options) { o.feedbackRun = d } }

// New builds the service. Nothing runs until Start.
//
// Apple channels answer asynchronously, so BlockOnMessageResult is forced off.
func New(ctx context.Context, gw gateway.Settings, es engine.Settings, opts ...Option) (*Service, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	gw = gw.WithDefaults()
	if gw.Host == "" {
		return nil, errors.New("apns service: gateway host is required")
	}
	if len(gw.Certificates) == 0 && !gw.SkipSsl {
		return nil, gateway.ErrNoCertificate
	}
	if o.dialer == nil {
		o.dialer = gateway.NewDialer(gw)
	}

	s := &Service{gw: gw, log: o.log}

	es.BlockOnMessageResult = false
	factory := gateway.NewFactory(gw, o.dialer,
		gateway.WithLogger(o.log.With(logx.String("comp", "gateway"))),
		gateway.WithHooks(gateway.Hooks{
			Exception: func(ch *gateway.Channel, err error) { s.engine.ReportChannelException(ch, err) },
		}),
	)
	s.engine = engine.New(ctx, es, factory,
		engine.WithLogger(o.log.With(logx.String("comp", "engine"))),
		engine.WithBus(o.bus),
	)

	if !gw.DisableFeedback {
		if o.feedbackDial == nil {
			o.feedbackDial = gateway.NewFeedbackDialer(gw)
		}
		flog := o.log.With(logx.String("comp", "feedback"))
		reader := feedback.NewReader(o.feedbackDial, gw.FeedbackTimeIsUTC, flog)
		s.feedback = feedback.NewScheduler(reader,
			func(token string, at time.Time) { s.engine.ReportSubscriptionExpired(token, at, nil) },
			feedback.SchedulerOptions{
				Interval: gw.FeedbackInterval,
				FirstRun: o.feedbackRun,
				OnError:  s.engine.ReportServiceException,
			},
			flog,
		)
	}
	return s, nil
}

// Start begins scaling and feedback polling.
func (s *Service) Start() {
	s.engine.Start()
	if s.feedback != nil {
		s.feedback.Start()
	}
	s.log.Info("apns service started",
		logx.String("gateway", s.gw.Addr()),
		logx.Bool("feedback", s.feedback != nil),
	)
}

// QueueNotification enqueues n for delivery.
func (s *Service) QueueNotification(n *apns.Notification) error {
	if n == nil {
		return errors.New("apns service: nil notification")
	}
	return s.engine.Enqueue(n)
}

// Subscribe registers an observer; the returned func removes it.
func (s *Service) Subscribe(o push.Observer) func() { return s.engine.Subscribe(o) }

// Stats returns engine diagnostics.
func (s *Service) Stats() engine.Stats { return s.engine.Stats() }

// PollFeedback runs one feedback poll immediately.
func (s *Service) PollFeedback(ctx context.Context) (int, error) {
	if s.feedback == nil {
		return 0, errors.New("apns service: feedback disabled")
	}
	return s.feedback.RunOnce(ctx)
}

// Stop halts feedback polling and stops the engine, optionally draining first.
func (s *Service) Stop(ctx context.Context, waitForDrain bool) error {
	if s.feedback != nil {
		s.feedback.Stop(ctx)
	}
	return s.engine.Stop(ctx, waitForDrain)
}
