package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pushgate/pkg/logx"
)

// listen binds a datagram socket and points NOTIFY_SOCKET at it.
func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	dir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotify_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New(logx.Nop())
	assert.False(t, n.Ready())
	assert.False(t, n.Stopping())
	assert.Zero(t, n.WatchdogInterval())
}

func TestNotify_States(t *testing.T) {
	conn := listen(t)
	n := New(logx.Nop())

	require.True(t, n.Ready())
	assert.Equal(t, "READY=1", read(t, conn))

	require.True(t, n.Status("queue=%d", 3))
	assert.Equal(t, "STATUS=queue=3", read(t, conn))

	require.True(t, n.Stopping())
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestRunWatchdog(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "40000")
	t.Setenv("WATCHDOG_PID", "")

	n := New(logx.Nop())
	assert.Equal(t, 20*time.Millisecond, n.WatchdogInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.RunWatchdog(ctx, func() bool { return true })
	}()

	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	<-done
}
