package dispatch

import "sync"

// LifecycleFlags are the global, process-wide flags that gate shutdown and
// restart behavior: while any package has a pending action, none of them
// fire (spec.md invariant 4); the sequencer is the only reader that acts on
// them.
type LifecycleFlags struct {
	mu sync.Mutex

	reboot        bool
	restartGui    bool
	initializePm  bool
	restartPm     bool
	selfUninstall bool
}

func (l *LifecycleFlags) SetReboot()        { l.mu.Lock(); l.reboot = true; l.mu.Unlock() }
func (l *LifecycleFlags) SetRestartGui()    { l.mu.Lock(); l.restartGui = true; l.mu.Unlock() }
func (l *LifecycleFlags) SetInitializePm()  { l.mu.Lock(); l.initializePm = true; l.mu.Unlock() }
func (l *LifecycleFlags) SetRestartPm()     { l.mu.Lock(); l.restartPm = true; l.mu.Unlock() }
func (l *LifecycleFlags) SetSelfUninstall() { l.mu.Lock(); l.selfUninstall = true; l.mu.Unlock() }

// Snapshot returns the current value of every flag without clearing them.
func (l *LifecycleFlags) Snapshot() (reboot, restartGui, initializePm, restartPm, selfUninstall bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reboot, l.restartGui, l.initializePm, l.restartPm, l.selfUninstall
}

// AnySet reports whether any lifecycle flag is currently set, used by the
// sequencer to decide whether a quiescent pair of ticks should end the main
// loop.
func (l *LifecycleFlags) AnySet() bool {
	reboot, restartGui, initializePm, restartPm, selfUninstall := l.Snapshot()
	return reboot || restartGui || initializePm || restartPm || selfUninstall
}

// ClearInitializePm clears the one-shot INITIALIZE_PM flag once the
// sequencer has acted on it.
func (l *LifecycleFlags) ClearInitializePm() { l.mu.Lock(); l.initializePm = false; l.mu.Unlock() }

// ClearRestartPm clears the one-shot RESTART_PM / SIGTERM-driven flag once
// the sequencer has acted on it.
func (l *LifecycleFlags) ClearRestartPm() { l.mu.Lock(); l.restartPm = false; l.mu.Unlock() }

// TakeSelfUninstall reports and clears the deferred SetupHelper self-uninstall
// flag; it is consumed exactly once, after the main loop returns.
func (l *LifecycleFlags) TakeSelfUninstall() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasSet := l.selfUninstall
	l.selfUninstall = false
	return wasSet
}
