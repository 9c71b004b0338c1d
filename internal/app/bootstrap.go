package app

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"pushgate/internal/alert"
	"pushgate/internal/apns/gateway"
	"pushgate/internal/config"
	"pushgate/internal/observability/admin"
	logx "pushgate/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Alert.Enabled && cfg.Alert.MirrorLogs,
			MinLevel:   cfg.Alert.MinLevel,
			RatePerSec: cfg.Alert.RatePerSec,
		},
	}
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	window, err := config.ParseDurationOrDefault("alert.dedup_window", cfg.Alert.DedupWindow, time.Minute)
	if err != nil {
		return alert.Config{}, err
	}
	prefix := ""
	if host, err := os.Hostname(); err == nil && host != "" {
		prefix = "[" + host + "]"
	}
	return alert.Config{
		Enabled:     cfg.Alert.Enabled,
		RatePerSec:  cfg.Alert.RatePerSec,
		DedupWindow: window,
		Prefix:      prefix,
	}, nil
}

// newAlertSender returns nil when alerts are off.
func newAlertSender(cfg *config.Config) (*alert.Telegram, error) {
	if !cfg.Alert.Enabled {
		return nil, nil
	}
	return alert.NewTelegram(alert.TelegramConfig{
		Token:    cfg.Alert.Token,
		ChatID:   cfg.Alert.ChatID,
		ThreadID: cfg.Alert.ThreadID,
	})
}

func sameSender(a, b *config.Config) bool {
	return a.Alert.Enabled == b.Alert.Enabled &&
		a.Alert.Token == b.Alert.Token &&
		a.Alert.ChatID == b.Alert.ChatID &&
		a.Alert.ThreadID == b.Alert.ThreadID
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	timeout, err := config.ParseDurationOrDefault("admin.request_timeout", cfg.Admin.RequestTimeout, 30*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Addr:           strings.TrimSpace(cfg.Admin.Addr),
		Pprof:          cfg.Admin.Pprof,
		RequestTimeout: timeout,
	}, nil
}

// loadCertificates reads the client certificate and checks it matches the
// configured environment.
func loadCertificates(cfg config.APNsConfig, log logx.Logger) ([]tls.Certificate, error) {
	if cfg.SkipSsl {
		log.Warn("apns TLS disabled (skip_ssl)")
		return nil, nil
	}
	cert, err := gateway.LoadCertificate(cfg.CertFile, cfg.KeyFile, cfg.CertPassword)
	if err != nil {
		return nil, fmt.Errorf("apns certificate: %w", err)
	}
	if cfg.SkipCertificateCheck {
		log.Warn("apns certificate environment check skipped")
	} else if err := gateway.CheckCertificate(cfg.Production, cert); err != nil {
		return nil, fmt.Errorf("apns certificate: %w", err)
	}
	return []tls.Certificate{cert}, nil
}
