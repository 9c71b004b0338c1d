package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushgate/internal/apns"
	"pushgate/internal/apns/gateway"
	"pushgate/internal/config"
	"pushgate/internal/storage"
)

const token = "aff0c63d9eaa63ad161bafee732d5bc2c31f66d552054718ff19ce314371e5d0"

// drainDialer accepts pipes and discards every frame.
func drainDialer() gateway.Dialer {
	return gateway.DialerFunc{Address: "pipe", Dial: func(context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			for {
				if _, err := apns.ReadFrame(server); err != nil {
					return
				}
			}
		}()
		return client, nil
	}}
}

func configBody(dir, level string) []byte {
	return []byte(`{
  "apns": {
    "skip_ssl": true,
    "disable_feedback": true,
    "declare_success_after": "50ms",
    "cleanup_interval": "10ms",
    "reconnect_backoff": "10ms"
  },
  "engine": { "scale_interval": "20ms" },
  "logging": { "level": "` + level + `", "console": false },
  "storage": { "driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "audit")) + `" },
  "admin": { "enabled": true, "addr": "127.0.0.1:0" }
}`)
}

func TestApp_EndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pushgate.json")
	require.NoError(t, os.WriteFile(path, configBody(filepath.Dir(path), "ERROR"), 0o600))

	a, err := New(path, WithDialer(drainDialer()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Queue(apns.NewNotification(token, apns.NewPayload("hello"))))
	require.Eventually(t, func() bool { return a.rec.Stats().Written >= 1 }, 5*time.Second, 10*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}
	resp, err := client.Post("http://"+a.admin.Addr()+"/v1/notifications", "application/json",
		strings.NewReader(`{"device_token":"`+token+`","alert":"via http"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = client.Get("http://" + a.admin.Addr() + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return a.rec.Stats().Written >= 2 }, 5*time.Second, 10*time.Millisecond)

	// Live reload of the logging block. Rewritten until the watcher has picked it up.
	require.Eventually(t, func() bool {
		if a.Config().Logging.Level == "DEBUG" {
			return true
		}
		_ = os.WriteFile(path, configBody(filepath.Dir(path), "DEBUG"), 0o600)
		return false
	}, 5*time.Second, 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.NoError(t, a.Err())
	assert.Zero(t, a.rec.Stats().Failed)

	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed after stop")
	}
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := New(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	noCert := filepath.Join(dir, "nocert.json")
	require.NoError(t, os.WriteFile(noCert, []byte(`{"apns":{}}`), 0o600))
	_, err = New(noCert)
	assert.ErrorContains(t, err, "apns.cert_file is required")

	missingCert := filepath.Join(dir, "missingcert.json")
	require.NoError(t, os.WriteFile(missingCert, []byte(`{"apns":{"cert_file":"`+filepath.ToSlash(filepath.Join(dir, "nope.pem"))+`"}}`), 0o600))
	_, err = New(missingCert)
	assert.ErrorContains(t, err, "apns certificate")
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := func(driver, path, url string) *config.Config {
		c := &config.Config{}
		c.Storage.Driver, c.Storage.Path, c.Storage.RedisURL = driver, path, url
		return c
	}

	_, enabled, err := mapStorageConfig(cfg("", "", ""))
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(cfg("SQLite3", "x.db", ""))
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: 5 * time.Second}, sc)

	_, _, err = mapStorageConfig(cfg("sqlite", "", ""))
	assert.Error(t, err)
	_, _, err = mapStorageConfig(cfg("redis", "", ""))
	assert.Error(t, err)
	_, _, err = mapStorageConfig(cfg("mongo", "", ""))
	assert.Error(t, err)

	sc, _, err = mapStorageConfig(cfg("redis", "", "redis://localhost:6379/0"))
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", sc.RedisURL)
}
