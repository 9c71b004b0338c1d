package config

import (
	"errors"
	"fmt"
	"strings"

	logx "pushgate/pkg/logx"
)

var ErrInvalid = errors.New("config: invalid")

// Validate reports every problem found in cfg, joined, each wrapping ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		}
	}
	port := func(path string, p int) {
		if p < 0 || p > 65535 {
			bad("%s: %d out of range", path, p)
		}
	}

	a := cfg.APNs
	if !a.SkipSsl && strings.TrimSpace(a.CertFile) == "" {
		bad("apns.cert_file is required")
	}
	port("apns.port", a.Port)
	port("apns.feedback_port", a.FeedbackPort)
	if a.MaxConnectionAttempts < 0 {
		bad("apns.max_connection_attempts must be >= 0")
	}
	dur("apns.connection_timeout", a.ConnectionTimeout)
	dur("apns.reconnect_backoff", a.ReconnectBackoff)
	dur("apns.declare_success_after", a.DeclareSuccessAfter)
	dur("apns.cleanup_interval", a.CleanupInterval)
	dur("apns.feedback_interval", a.FeedbackInterval)

	e := cfg.Engine
	if e.MaxChannels < 0 || e.Channels < 0 || e.MaxRequeues < 0 {
		bad("engine: channel and requeue counts must be >= 0")
	}
	if e.MaxChannels > 0 && e.Channels > e.MaxChannels {
		bad("engine.channels (%d) exceeds engine.max_channels (%d)", e.Channels, e.MaxChannels)
	}
	if e.SendRatePerSec < 0 {
		bad("engine.send_rate_per_sec must be >= 0")
	}
	dur("engine.min_avg_time_to_scale", e.MinAvgTimeToScale)
	dur("engine.send_timeout", e.SendTimeout)
	dur("engine.idle_timeout", e.IdleTimeout)
	dur("engine.scale_interval", e.ScaleInterval)

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		bad("logging.level: unknown level %q", lvl)
	}

	al := cfg.Alert
	if al.Enabled {
		if strings.TrimSpace(al.Token) == "" {
			bad("alert.token is required when alerts are enabled")
		}
		if al.ChatID == 0 {
			bad("alert.chat_id is required when alerts are enabled")
		}
	}
	if lvl := strings.TrimSpace(al.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		bad("alert.min_level: unknown level %q", lvl)
	}
	if al.RatePerSec < 0 {
		bad("alert.rate_per_sec must be >= 0")
	}
	dur("alert.dedup_window", al.DedupWindow)

	st := cfg.Storage
	switch StorageDriver(st.Driver) {
	case "none", "file", "sqlite":
	case "redis":
		if strings.TrimSpace(st.RedisURL) == "" {
			bad("storage.redis_url is required for the redis driver")
		}
	default:
		bad("storage.driver: unknown driver %q", st.Driver)
	}
	if st.DeliveryLogMax < 0 {
		bad("storage.delivery_log_max must be >= 0")
	}
	dur("storage.busy_timeout", st.BusyTimeout)

	dur("admin.request_timeout", cfg.Admin.RequestTimeout)

	return errors.Join(errs...)
}

// StorageDriver normalizes a driver name; empty means "none".
func StorageDriver(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "none"
	}
	return s
}
