// Package systemd reports daemon state to the service manager via the
// sd_notify protocol. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() error { return notify(daemon.SdNotifyReady) }

func Stopping() error { return notify(daemon.SdNotifyStopping) }

func Reloading() error { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) error { return notify("STATUS=" + msg) }

func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return nil
}

// WatchdogInterval returns the configured watchdog timeout, or false when
// the unit has no WatchdogSec.
func WatchdogInterval() (time.Duration, bool) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// Watchdog pings the service manager at half the watchdog timeout for as
// long as check succeeds. A failing check skips the ping so systemd can
// restart a wedged process. Returns immediately when no watchdog is set.
func Watchdog(ctx context.Context, check func(context.Context) error) error {
	d, ok := WatchdogInterval()
	if !ok {
		return nil
	}
	t := time.NewTicker(d / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if check != nil {
			cctx, cancel := context.WithTimeout(ctx, d/2)
			err := check(cctx)
			cancel()
			if err != nil {
				continue
			}
		}
		if err := notify(daemon.SdNotifyWatchdog); err != nil {
			return err
		}
	}
}
