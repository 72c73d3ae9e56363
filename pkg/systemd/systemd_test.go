package systemd

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
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

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	assert.NoError(t, Ready())
	assert.NoError(t, Stopping())
}

func TestNotifyStates(t *testing.T) {
	conn := listen(t)

	require.NoError(t, Ready())
	assert.Equal(t, "READY=1", read(t, conn))

	require.NoError(t, Status("3 jobs queued"))
	assert.Equal(t, "STATUS=3 jobs queued", read(t, conn))

	require.NoError(t, Stopping())
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdog(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	_, ok := WatchdogInterval()
	assert.False(t, ok)
	assert.NoError(t, Watchdog(context.Background(), nil))

	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "100000")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthy := make(chan bool, 1)
	healthy <- false
	done := make(chan error, 1)
	go func() {
		done <- Watchdog(ctx, func(context.Context) error {
			select {
			case ok := <-healthy:
				if !ok {
					return errors.New("wedged")
				}
			default:
			}
			return nil
		})
	}()

	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not return")
	}
}
