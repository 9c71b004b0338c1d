// Package admin serves the operator HTTP surface: health, stats, Prometheus
// metrics, a JSON notification intake and optional pprof.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pushgate/internal/apns"
	"pushgate/internal/push/engine"
	rtsup "pushgate/internal/runtime/supervisor"
	"pushgate/internal/storage"
	logx "pushgate/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// Config controls the admin server.
//
// Prefer binding to localhost: the intake endpoint has no auth of its own.
type Config struct {
	Addr           string
	Pprof          bool
	RequestTimeout time.Duration
}

// Pusher is the part of the push service the admin routes drive.
type Pusher interface {
	QueueNotification(n *apns.Notification) error
	Stats() engine.Stats
}

// TokenSource lists recorded expired tokens.
type TokenSource interface {
	ExpiredTokens(ctx context.Context, since time.Time, limit int) ([]storage.ExpiredToken, error)
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// WithGatherer mounts GET /metrics for g.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithTokens mounts GET /v1/tokens/expired.
func WithTokens(src TokenSource) Option { return func(s *Server) { s.tokens = src } }

// WithStatus adds a named section to GET /stats.
func WithStatus(name string, fn func() any) Option {
	return func(s *Server) {
		if fn != nil {
			s.status[name] = fn
		}
	}
}

type Server struct {
	cfg      Config
	pusher   Pusher
	log      logx.Logger
	gatherer prometheus.Gatherer
	tokens   TokenSource
	status   map[string]func() any
	started  time.Time

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, pusher Pusher, opts ...Option) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, pusher: pusher, log: logx.Nop(), status: map[string]func() any{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listen address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Start binds the listener and serves under a restart loop. A bind failure
// is returned directly. Start is idempotent.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	if !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("admin server bound to a non-loopback address", logx.String("addr", s.cfg.Addr))
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.started = time.Now()
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// admin is optional; never take the process down.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.cfg.Addr); err != nil {
			s.mu.Unlock()
			s.log.Error("admin listen failed", logx.String("addr", s.cfg.Addr), logx.Err(err))
			return err
		}
		s.ln = ln
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if werr := sup.Wait(ctx); err == nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.log.Info("admin server stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
