package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pushgate/internal/alert"
	"pushgate/internal/apns"
	"pushgate/internal/apns/gateway"
	"pushgate/internal/apns/service"
	"pushgate/internal/config"
	"pushgate/internal/eventbus"
	"pushgate/internal/observability/admin"
	"pushgate/internal/observability/metrics"
	rtsup "pushgate/internal/runtime/supervisor"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
	"pushgate/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender *alert.Telegram
	alerts *alert.Service

	push     *service.Service
	registry *prometheus.Registry
	admin    *admin.Server
	rec      *recorder
	sd       *systemd.Notifier

	unsubMetrics func()
}

type options struct {
	dialer       gateway.Dialer
	feedbackDial gateway.Dialer
}

type Option func(*options)

// WithDialer replaces the gateway dialer, e.g. with a fake gateway.
func WithDialer(d gateway.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithFeedbackDialer replaces the feedback dialer.
func WithFeedbackDialer(d gateway.Dialer) Option { return func(o *options) { o.feedbackDial = d } }

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sd:      systemd.New(log.With(logx.String("comp", "systemd"))),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	acfg, err := mapAlertConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.sender, err = newAlertSender(cfg); err != nil {
		return nil, err
	}
	var sender alert.Sender
	if a.sender != nil {
		sender = a.sender
	}
	a.alerts = alert.New(acfg, sender, log.With(logx.String("comp", "alert")))
	logSvc.SetAlertSink(a.alerts)

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		cancel()
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = newRecorder(st, log.With(logx.String("comp", "recorder")))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	certs, err := loadCertificates(cfg.APNs, log)
	if err != nil {
		return nil, err
	}
	svcOpts := []service.Option{
		service.WithLogger(log.With(logx.String("comp", "apns"))),
		service.WithBus(a.bus),
	}
	if o.dialer != nil {
		svcOpts = append(svcOpts, service.WithDialer(o.dialer))
	}
	if o.feedbackDial != nil {
		svcOpts = append(svcOpts, service.WithFeedbackDialer(o.feedbackDial))
	}
	// The engine outlives Start's context; Stop ends it.
	a.push, err = service.New(context.Background(), cfg.APNs.Gateway(certs...), cfg.Engine.Settings(), svcOpts...)
	if err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.unsubMetrics = a.push.Subscribe(metrics.New(a.registry))
	metrics.RegisterStats(a.registry, a.push.Stats)

	if cfg.Admin.Enabled {
		ac, err := mapAdminConfig(cfg)
		if err != nil {
			return nil, err
		}
		adminOpts := []admin.Option{
			admin.WithLogger(log.With(logx.String("comp", "admin"))),
			admin.WithGatherer(a.registry),
			admin.WithStatus("alert", func() any { return a.alerts.Stats() }),
			admin.WithStatus("supervisor", a.supervisorSnapshot),
			admin.WithStatus("eventbus", func() any { return map[string]uint64{"dropped": a.bus.Dropped()} }),
			admin.WithStatus("logs", func() any { return map[string]uint64{"alerts_dropped": a.logs.Dropped()} }),
		}
		if a.store != nil {
			adminOpts = append(adminOpts,
				admin.WithTokens(a.store),
				admin.WithStatus("recorder", func() any { return a.rec.Stats() }),
			)
		}
		a.admin = admin.New(ac, a.push, adminOpts...)
	}
	return a, nil
}

// Config returns the committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Push exposes the push service for in-process producers.
func (a *App) Push() *service.Service { return a.push }

// Queue enqueues n for delivery.
func (a *App) Queue(n *apns.Notification) error { return a.push.QueueNotification(n) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) supervisorSnapshot() any {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapAlertConfig(cfg); err != nil {
			return err
		}
		if _, err := newAlertSender(cfg); err != nil {
			return fmt.Errorf("alert: %w", err)
		}
		return nil
	})

	a.push.Start()
	a.alerts.Start(a.sup.Context(), a.bus)

	if a.rec != nil {
		events, unsub := a.bus.Subscribe(1024, recordedEvents...)
		a.sup.Go0("recorder", func(c context.Context) {
			defer unsub()
			a.rec.run(c, events)
		})
	}

	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.RunWatchdog(c, func() bool { return !a.push.Stats().Stopping })
	})
	a.sd.Ready()

	fields := []logx.Field{logx.String("config", a.cfgPath)}
	if a.admin != nil {
		fields = append(fields, logx.String("admin", a.admin.Addr()))
	}
	a.log.Info("app started", fields...)
	return nil
}

// applyConfig applies the live sections of a reloaded config.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	change := config.Diff(oldCfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	if !sameSender(oldCfg, newCfg) {
		sender, err := newAlertSender(newCfg)
		if err != nil {
			a.log.Warn("invalid alert config; keeping previous", logx.Err(err))
		} else {
			prev := a.sender
			a.sender = sender
			var next alert.Sender
			if sender != nil {
				next = sender
			}
			a.alerts.SetSender(next)
			if prev != nil {
				prev.Close()
			}
		}
	}
	if acfg, err := mapAlertConfig(newCfg); err != nil {
		a.log.Warn("invalid alert config; keeping previous", logx.Err(err))
	} else {
		a.alerts.Apply(acfg)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config applied", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// WithTimeout never extends the caller's deadline.
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then drain what is queued.
	step("admin", 2*time.Second, func(c context.Context) error {
		if a.admin != nil {
			return a.admin.Stop(c)
		}
		return nil
	})
	step("push", 0, func(c context.Context) error { return a.push.Stop(c, true) })
	if a.unsubMetrics != nil {
		a.unsubMetrics()
	}

	// Recorder flushes buffered events on cancel.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("alerts", 2*time.Second, a.alerts.Stop)

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.sender != nil {
		a.sender.Close()
		a.sender = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
