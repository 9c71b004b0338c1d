package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "apns": {"production": true, "cert_file": "push.p12", "declare_success_after": "5s"},
  "engine": {"auto_scale": false, "channels": 3, "send_timeout": "20s"},
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./pushgate.db"},
  "admin": {"enabled": true, "addr": "127.0.0.1:8089"}
}`

const validYAML = `
apns:
  production: false
  cert_file: push.pem
  key_file: push.key
engine:
  max_channels: 8
logging:
  level: info
storage:
  driver: file
  path: ./audit
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_JSONAndMapping(t *testing.T) {
	m := NewManager(writeFile(t, "pushgate.json", validJSON))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	gw := cfg.APNs.Gateway()
	assert.Equal(t, "gateway.push.apple.com:2195", gw.Addr())
	assert.Equal(t, 5*time.Second, gw.DeclareSuccessAfter)
	assert.True(t, gw.FeedbackTimeIsUTC)
	assert.Equal(t, 3*gw.DeclareSuccessAfter+gw.ConnectionTimeout, gw.DrainStallTimeout)

	es := cfg.Engine.Settings()
	assert.False(t, es.AutoScaleChannels)
	assert.Equal(t, 3, es.Channels)
	assert.Equal(t, 20*time.Second, es.NotificationSendTimeout)
	assert.Equal(t, 5, es.MaxNotificationRequeues, "zero keeps the default")
}

func TestLoad_YAML(t *testing.T) {
	cfg, err := NewManager(writeFile(t, "pushgate.yaml", validYAML)).Load()
	require.NoError(t, err)
	assert.Equal(t, "push.key", cfg.APNs.KeyFile)
	assert.Equal(t, 8, cfg.Engine.Settings().MaxAutoScaleChannels)
	assert.True(t, cfg.Engine.Settings().AutoScaleChannels)
	assert.Equal(t, "gateway.sandbox.push.apple.com:2195", cfg.APNs.Gateway().Addr())
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"unknown key", "c.json", `{"apns": {"cert_file": "x", "timeout": "1s"}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "apns: [unclosed"},
		{"unknown yaml key", "c.yml", "bogus: 1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, tc.file, tc.body)).Parse()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{APNs: APNsConfig{CertFile: "push.p12"}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"skip ssl needs no cert", func(c *Config) { c.APNs.CertFile = ""; c.APNs.SkipSsl = true }, ""},
		{"missing cert", func(c *Config) { c.APNs.CertFile = "" }, "apns.cert_file"},
		{"bad port", func(c *Config) { c.APNs.Port = 70000 }, "apns.port"},
		{"bad duration", func(c *Config) { c.Engine.SendTimeout = "soon" }, "engine.send_timeout"},
		{"negative duration", func(c *Config) { c.APNs.ReconnectBackoff = "-1s" }, "apns.reconnect_backoff"},
		{"channels over max", func(c *Config) { c.Engine.Channels = 5; c.Engine.MaxChannels = 2 }, "engine.channels"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"alert without token", func(c *Config) { c.Alert.Enabled = true; c.Alert.ChatID = 1 }, "alert.token"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"redis without url", func(c *Config) { c.Storage.Driver = "redis" }, "storage.redis_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalid)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("PUSHGATE_CERT_PASSWORD", "s3cret")
	t.Setenv("PUSHGATE_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("PUSHGATE_REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("PUSHGATE_LOG_LEVEL", "warn")

	cfg, err := NewManager(writeFile(t, "pushgate.json", validJSON)).Parse()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.APNs.CertPassword)
	assert.Equal(t, "123:abc", cfg.Alert.Token)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Storage.RedisURL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadDotEnv_DoesNotOverrideProcessEnv(t *testing.T) {
	path := writeFile(t, ".env", "PUSHGATE_LOG_LEVEL=error\nPUSHGATE_REDIS_URL=redis://dotenv\n")
	t.Setenv("PUSHGATE_LOG_LEVEL", "debug")
	t.Setenv("PUSHGATE_REDIS_URL", "")
	os.Unsetenv("PUSHGATE_REDIS_URL")

	LoadDotEnv(path)
	assert.Equal(t, "debug", os.Getenv("PUSHGATE_LOG_LEVEL"))
	assert.Equal(t, "redis://dotenv", os.Getenv("PUSHGATE_REDIS_URL"))
	LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}

func TestDiff(t *testing.T) {
	a := &Config{Alert: AlertConfig{Token: "secret"}}
	b := &Config{Alert: AlertConfig{Token: "other"}, Engine: EngineConfig{Channels: 2}}

	assert.True(t, Diff(a, a).Empty())
	c := Diff(a, b)
	assert.Equal(t, []string{"alert", "engine"}, c.Sections)
	assert.Equal(t, []string{"engine"}, c.RestartRequired)
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	path := writeFile(t, "pushgate.json", validJSON)
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	updates := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"apns": {"cert_file": ""}}`), 0o600))
	select {
	case <-updates:
		t.Fatal("invalid config was published")
	case <-time.After(200 * time.Millisecond):
	}

	changed := `{"apns": {"cert_file": "push.p12"}, "logging": {"level": "error"}}`
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, "error", cfg.Logging.Level)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}

	m.Unsubscribe(updates)
	_, open := <-updates
	assert.False(t, open)
}
