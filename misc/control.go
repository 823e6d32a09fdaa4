// Package misc holds process-wide coordination state: the emergency
// lock-down kill switch, startup bookkeeping, and small knobs consulted by
// more than one worker.
package misc

import (
	"errors"
	"os"
	"time"

	"github.com/daemonforge/pkgmand/lalog"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()

	// ConfigFilePath is the absolute path to the JSON configuration file used
	// to launch this program.
	ConfigFilePath string

	// EnablePrometheusIntegration turns on registration of the metrics
	// package's collectors.
	EnablePrometheusIntegration bool

	// EmergencyLockDown is consulted by cli.AutoRestart, which stops
	// restarting a worker once it is true, and by Periodic, which stops its
	// loop. It is set only by TriggerEmergencyLockDown.
	EmergencyLockDown bool

	// ErrEmergencyLockDown is returned by workers to report that lock-down is
	// in effect.
	ErrEmergencyLockDown = errors.New("emergency lock-down is in effect")

	logger = lalog.Logger{ComponentName: "misc", ComponentID: []lalog.LoggerIDField{{Key: "pid", Value: os.Getpid()}}}
)

// TriggerEmergencyLockDown turns on EmergencyLockDown so that AutoRestart
// restarts no further worker and Periodic loops stop. The process keeps
// running; only an external restart clears lock-down.
func TriggerEmergencyLockDown() {
	logger.Warning("", nil, "all workers will stop processing their queues")
	EmergencyLockDown = true
}
