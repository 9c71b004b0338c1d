package gateway

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

const (
	hostProduction         = "gateway.push.apple.com"
	hostSandbox            = "gateway.sandbox.push.apple.com"
	feedbackHostProduction = "feedback.push.apple.com"
	feedbackHostSandbox    = "feedback.sandbox.push.apple.com"
	gatewayPort            = 2195
	feedbackPort           = 2196
)

// Settings configures gateway channels and the feedback reader.
type Settings struct {
	Host         string
	Port         int
	FeedbackHost string
	FeedbackPort int

	Certificates []tls.Certificate

	// SkipSsl dials plain TCP. Only useful against local fakes.
	SkipSsl                   bool
	ValidateServerCertificate bool

	ConnectionTimeout     time.Duration
	MaxConnectionAttempts int
	ReconnectBackoff      time.Duration
	ReconnectMultiplier   float64
	ReconnectStep         time.Duration

	// DeclareSuccessAfter is how long an in-flight send must go without an
	// error frame before it is reported as delivered.
	DeclareSuccessAfter time.Duration
	CleanupInterval     time.Duration
	// DrainStallTimeout bounds Close when no in-flight record resolves.
	DrainStallTimeout time.Duration

	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration

	FeedbackInterval  time.Duration
	DisableFeedback   bool
	FeedbackTimeIsUTC bool
}

// NewSettings returns defaults for the production or sandbox environment.
func NewSettings(production bool, certs ...tls.Certificate) Settings {
	s := Settings{
		Host:         hostSandbox,
		Port:         gatewayPort,
		FeedbackHost: feedbackHostSandbox,
		FeedbackPort: feedbackPort,
		Certificates: certs,
	}
	if production {
		s.Host = hostProduction
		s.FeedbackHost = feedbackHostProduction
	}
	return s.WithDefaults()
}

// WithDefaults fills every zero field.
func (s Settings) WithDefaults() Settings {
	if s.Port <= 0 {
		s.Port = gatewayPort
	}
	if s.FeedbackPort <= 0 {
		s.FeedbackPort = feedbackPort
	}
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = 10 * time.Second
	}
	if s.MaxConnectionAttempts <= 0 {
		s.MaxConnectionAttempts = 3
	}
	if s.ReconnectBackoff <= 0 {
		s.ReconnectBackoff = 3 * time.Second
	}
	if s.ReconnectMultiplier < 1 {
		s.ReconnectMultiplier = 1.5
	}
	if s.ReconnectStep <= 0 {
		s.ReconnectStep = 250 * time.Millisecond
	}
	if s.DeclareSuccessAfter <= 0 {
		s.DeclareSuccessAfter = 3 * time.Second
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = time.Second
	}
	if s.DrainStallTimeout <= 0 {
		s.DrainStallTimeout = 3*s.DeclareSuccessAfter + s.ConnectionTimeout
	}
	if s.KeepAliveIdle <= 0 {
		s.KeepAliveIdle = 20 * time.Minute
	}
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = 30 * time.Second
	}
	if s.FeedbackInterval <= 0 {
		s.FeedbackInterval = 10 * time.Minute
	}
	return s
}

func (s Settings) Addr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

func (s Settings) FeedbackAddr() string {
	return net.JoinHostPort(s.FeedbackHost, strconv.Itoa(s.FeedbackPort))
}
