package config

import (
	"crypto/tls"
	"strings"

	"pushgate/internal/apns/gateway"
	"pushgate/internal/push/engine"
)

// Gateway maps the apns block onto gateway settings. certs come from
// gateway.LoadCertificate.
func (c APNsConfig) Gateway(certs ...tls.Certificate) gateway.Settings {
	s := gateway.NewSettings(c.Production, certs...)
	if h := strings.TrimSpace(c.Host); h != "" {
		s.Host = h
	}
	if c.Port > 0 {
		s.Port = c.Port
	}
	if h := strings.TrimSpace(c.FeedbackHost); h != "" {
		s.FeedbackHost = h
	}
	if c.FeedbackPort > 0 {
		s.FeedbackPort = c.FeedbackPort
	}
	s.SkipSsl = c.SkipSsl
	s.ValidateServerCertificate = c.ValidateServerCertificate
	if c.MaxConnectionAttempts > 0 {
		s.MaxConnectionAttempts = c.MaxConnectionAttempts
	}
	s.ConnectionTimeout = durationOr(c.ConnectionTimeout, s.ConnectionTimeout)
	s.ReconnectBackoff = durationOr(c.ReconnectBackoff, s.ReconnectBackoff)
	s.DeclareSuccessAfter = durationOr(c.DeclareSuccessAfter, s.DeclareSuccessAfter)
	s.CleanupInterval = durationOr(c.CleanupInterval, s.CleanupInterval)
	s.FeedbackInterval = durationOr(c.FeedbackInterval, s.FeedbackInterval)
	s.DisableFeedback = c.DisableFeedback
	s.FeedbackTimeIsUTC = !c.FeedbackLocalTime
	// Recomputed from the overridden timeouts.
	s.DrainStallTimeout = 0
	return s.WithDefaults()
}

// Settings maps the engine block onto engine settings.
func (c EngineConfig) Settings() engine.Settings {
	s := engine.DefaultSettings()
	if c.AutoScale != nil {
		s.AutoScaleChannels = *c.AutoScale
	}
	if c.MaxChannels > 0 {
		s.MaxAutoScaleChannels = c.MaxChannels
	}
	if c.Channels > 0 {
		s.Channels = c.Channels
	}
	if c.MaxRequeues > 0 {
		s.MaxNotificationRequeues = c.MaxRequeues
	}
	s.MinAvgTimeToScaleChannels = durationOr(c.MinAvgTimeToScale, s.MinAvgTimeToScaleChannels)
	s.NotificationSendTimeout = durationOr(c.SendTimeout, s.NotificationSendTimeout)
	s.IdleTimeout = durationOr(c.IdleTimeout, s.IdleTimeout)
	s.ScaleInterval = durationOr(c.ScaleInterval, s.ScaleInterval)
	s.SendRateLimit = c.SendRatePerSec
	return s
}
