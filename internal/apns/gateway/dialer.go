package gateway

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Dialer opens one transport to a fixed endpoint.
type Dialer interface {
	DialContext(ctx context.Context) (net.Conn, error)
	Addr() string
}

// DialerFunc adapts a function to Dialer.
type DialerFunc struct {
	Address string
	Dial    func(ctx context.Context) (net.Conn, error)
}

func (d DialerFunc) DialContext(ctx context.Context) (net.Conn, error) { return d.Dial(ctx) }
func (d DialerFunc) Addr() string                                       { return d.Address }

// TLSDialer dials TCP with keepalive and performs the client-authenticated
// TLS handshake.
type TLSDialer struct {
	Address   string
	Config    *tls.Config // nil dials plain TCP
	Timeout   time.Duration
	KeepAlive net.KeepAliveConfig
}

func (d *TLSDialer) Addr() string { return d.Address }

func (d *TLSDialer) DialContext(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAliveConfig: d.KeepAlive}
	if d.Config == nil {
		return nd.DialContext(ctx, "tcp", d.Address)
	}
	td := &tls.Dialer{NetDialer: nd, Config: d.Config}
	return td.DialContext(ctx, "tcp", d.Address)
}

// NewDialer builds the gateway dialer from settings.
func NewDialer(s Settings) *TLSDialer { return newDialer(s, s.Host, s.Addr()) }

// NewFeedbackDialer builds the feedback endpoint dialer from settings.
func NewFeedbackDialer(s Settings) *TLSDialer { return newDialer(s, s.FeedbackHost, s.FeedbackAddr()) }

func newDialer(s Settings, host, addr string) *TLSDialer {
	s = s.WithDefaults()
	d := &TLSDialer{
		Address: addr,
		Timeout: s.ConnectionTimeout,
		KeepAlive: net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.KeepAliveIdle,
			Interval: s.KeepAliveInterval,
			Count:    -1,
		},
	}
	if !s.SkipSsl {
		d.Config = &tls.Config{
			Certificates:       s.Certificates,
			ServerName:         host,
			InsecureSkipVerify: !s.ValidateServerCertificate, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		}
	}
	return d
}
