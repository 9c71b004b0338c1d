package feedback

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "pushgate/pkg/logx"
)

const defaultFirstRun = 10 * time.Second

// delayedSchedule fires once at first, then follows base.
type delayedSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// SchedulerOptions tune a Scheduler. Zero values take defaults.
type SchedulerOptions struct {
	Interval    time.Duration
	FirstRun    time.Duration
	PollTimeout time.Duration
	// OnError receives poll failures.
	OnError func(err error)
}

// Scheduler polls the feedback endpoint on a cron interval.
type Scheduler struct {
	r    *Reader
	fn   Func
	opts SchedulerOptions
	log  logx.Logger
	c    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(r *Reader, fn Func, opts SchedulerOptions, log logx.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.FirstRun <= 0 {
		opts.FirstRun = defaultFirstRun
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = opts.Interval / 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{r: r, fn: fn, opts: opts, log: log}
}

// Start schedules the first poll FirstRun from now and one every Interval after.
func (s *Scheduler) Start() {
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	sched := &delayedSchedule{base: cron.Every(s.opts.Interval), first: time.Now().Add(s.opts.FirstRun)}
	s.c.Schedule(sched, cron.FuncJob(func() { _, _ = s.RunOnce(s.ctx) }))
	s.c.Start()
	s.log.Info("feedback scheduler started",
		logx.Duration("first_run", s.opts.FirstRun),
		logx.Duration("interval", s.opts.Interval),
	)
}

// RunOnce performs one bounded poll.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PollTimeout)
	defer cancel()
	n, err := s.r.Poll(ctx, s.fn)
	if err != nil {
		s.log.Warn("feedback poll failed", logx.Err(err), logx.Int("tokens", n))
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
	}
	return n, err
}

// Stop halts scheduling, cancels a running poll and waits for it up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	s.cancel()
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
