// Package sdnotify reports daemon state to systemd via sd_notify(3).
//
// Every method is a no-op when notifications are disabled or the process was
// not started by systemd (NOTIFY_SOCKET unset).
package sdnotify

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"github.com/ogios/interval-task/pkg/logx"
)

type sendFunc func(state string) (bool, error)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

type Notifier struct {
	enabled bool
	send    sendFunc
	log     logx.Logger

	mu       sync.Mutex
	watchdog time.Duration
	limiter  *rate.Limiter
}

// New returns a Notifier. If watchdog is set and systemd configured
// WatchdogSec for the unit, Watchdog pings are forwarded at most every half
// watchdog interval.
func New(enabled, watchdog bool, log logx.Logger) *Notifier {
	n := &Notifier{enabled: enabled, send: sdNotify, log: log}
	if enabled && watchdog {
		d, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			log.Warn("systemd watchdog config invalid", logx.Err(err))
		}
		n.setWatchdog(d)
	}
	return n
}

func (n *Notifier) setWatchdog(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.watchdog = d
	n.limiter = nil
	if d > 0 {
		n.limiter = rate.NewLimiter(rate.Every(d/2), 1)
	}
}

// WatchdogInterval returns the unit's watchdog timeout, or 0 if the watchdog
// is not in use.
func (n *Notifier) WatchdogInterval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watchdog
}

func (n *Notifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) {
	n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the systemd watchdog. It is safe to call on every tick;
// calls beyond the rate limit are dropped.
func (n *Notifier) Watchdog() {
	if n == nil || !n.enabled {
		return
	}
	n.mu.Lock()
	lim := n.limiter
	n.mu.Unlock()
	if lim == nil || !lim.Allow() {
		return
	}
	n.notify(daemon.SdNotifyWatchdog)
}
