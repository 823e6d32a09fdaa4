// Package cli supervises the daemon's worker goroutines and handles process
// signals the way a long-running appliance daemon must: a worker that
// returns an error gets restarted with increasing back-off, and irrelevant
// signals are silenced so they don't interrupt blocking I/O.
package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/misc"
)

// AutoRestart runs fun and restarts it whenever it returns a non-nil error,
// subject to a linearly increasing delay capped at 60 seconds. It returns to
// the caller only once fun returns nil, or once misc.EmergencyLockDown has
// been tripped.
func AutoRestart(logger *lalog.Logger, logActorName string, fun func() error) {
	delaySec := 0
	for {
		if misc.EmergencyLockDown {
			logger.Warning(logActorName, nil, "emergency lock-down is in effect, no further restart is performed")
			return
		}
		err := fun()
		if err == nil {
			logger.Info(logActorName, nil, "returned successfully, no further restart is required")
			return
		}
		if delaySec == 0 {
			logger.Warning(logActorName, err, "restarting immediately")
		} else {
			logger.Warning(logActorName, err, "restarting in %d seconds", delaySec)
		}
		time.Sleep(time.Duration(delaySec) * time.Second)
		if delaySec < 60 {
			delaySec += 10
		}
	}
}

// RestartRequested is set by SIGTERM and consulted by the sequencer exactly
// like the bus-driven RESTART_PM verb (spec's "signal-driven graceful
// shutdown" design note).
var RestartRequested bool

// HandleDaemonSignals ignores signals irrelevant to daemon operation, routes
// SIGTERM into the self-restart lifecycle flag, and logs SIGCONT (which the
// supervisor sends after SIGTERM to indicate it is taking the service down
// rather than restarting it).
func HandleDaemonSignals(logger *lalog.Logger) {
	signal.Ignore(syscall.SIGPIPE)
	signal.Ignore(syscall.SIGHUP)

	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGCONT)
	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGTERM:
				logger.Info("SIGTERM", nil, "requesting graceful restart")
				RestartRequested = true
			case syscall.SIGCONT:
				logger.Info("SIGCONT", nil, "supervisor is taking the service down, not expecting an immediate respawn")
			}
		}
	}()
}
