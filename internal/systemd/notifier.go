// Package systemd reports service readiness and liveness to the service
// manager when the agent runs as a Type=notify unit.
package systemd

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
)

type Notifier struct {
	enabled  bool
	notify   func(state string) (bool, error)
	logger   *logrus.Logger
	interval time.Duration

	mu       sync.Mutex
	lastKick time.Time
	now      func() time.Time
}

func NewNotifier(enabled bool, logger *logrus.Logger) *Notifier {
	n := &Notifier{
		enabled: enabled,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		logger:  logger,
		now:     time.Now,
	}
	if !enabled {
		return n
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.WithError(err).Warn("Cannot read systemd watchdog settings")
	}
	// Kick at half the deadline.
	n.interval = interval / 2
	return n
}

func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Alive is called after every control cycle and kicks the watchdog at most
// once per interval.
func (n *Notifier) Alive() {
	if n.interval <= 0 {
		return
	}
	n.mu.Lock()
	now := n.now()
	due := now.Sub(n.lastKick) >= n.interval
	if due {
		n.lastKick = now
	}
	n.mu.Unlock()
	if due {
		n.send(daemon.SdNotifyWatchdog)
	}
}

func (n *Notifier) WatchdogInterval() time.Duration {
	return n.interval
}

func (n *Notifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := n.notify(state)
	if err != nil {
		n.logger.WithError(err).WithField("state", state).Warn("systemd notification failed")
		return
	}
	if !sent {
		n.logger.WithField("state", state).Trace("Not running under systemd, notification skipped")
	}
}
