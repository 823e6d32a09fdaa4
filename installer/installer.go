// Package installer implements the Installer worker: it invokes a package's
// setup program for install/uninstall/check actions and interprets the
// setup program's exit code, and carries out resolveConflicts requests.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/metrics"
	"github.com/daemonforge/pkgmand/platform"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

const defaultSetupTimeoutSec = 1800

// ExitEffect describes how one setup-program exit code is handled.
type ExitEffect struct {
	Incompatible  string // non-empty sets pkg.Flags.Incompatible to this (possibly templated) reason
	ActionNeeded  registry.ActionNeeded
	AdviseRetry   bool
	PublishStderr bool
}

// ExitCodeTable maps every exit code spec.md §4.5 names to its effect. Any
// code not present here is treated as "unknown error" with the numeric code
// folded into the incompatible reason.
var ExitCodeTable = map[int]ExitEffect{
	0:   {},
	123: {ActionNeeded: registry.ActionNeededReboot},
	124: {ActionNeeded: registry.ActionNeededGuiRestart},
	250: {AdviseRetry: true},
	253: {Incompatible: "platform incompatible"},
	254: {Incompatible: "firmware incompatible"},
	252: {Incompatible: "file set incomplete"},
	251: {Incompatible: "options not set"},
	249: {Incompatible: "root partition full"},
	248: {Incompatible: "data partition full"},
	247: {Incompatible: "GUI v1 missing"},
	246: {Incompatible: "package conflict", PublishStderr: true},
	245: {Incompatible: "patch failure"},
}

// Worker drains the install queue.
type Worker struct {
	reg    *registry.Registry
	tok    lock.Token
	bus    bus.Bus
	logger lalog.Logger

	dataDir         string
	setupOptionsDir string
	installedVerDir string
	platform        compat.PlatformInfo
	lookupInstalled compat.LookupInstalled
	selfPackageName string
	setupTimeoutSec int
	metrics         *metrics.Metrics

	lifecycle *dispatch.LifecycleFlags

	incoming     *queue.Queue
	downloadQueue *queue.Queue
}

// SetMetrics attaches the install-duration histogram. Safe to leave unset.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// New returns an Installer worker. A non-positive setupTimeoutSec falls
// back to 1800s.
func New(reg *registry.Registry, tok lock.Token, b bus.Bus, logger lalog.Logger,
	dataDir, setupOptionsDir, installedVerDir string, platformInfo compat.PlatformInfo, lookupInstalled compat.LookupInstalled,
	selfPackageName string, setupTimeoutSec int, lifecycle *dispatch.LifecycleFlags, incoming, downloadQueue *queue.Queue) *Worker {
	if setupTimeoutSec <= 0 {
		setupTimeoutSec = defaultSetupTimeoutSec
	}
	return &Worker{
		reg: reg, tok: tok, bus: b, logger: logger,
		dataDir: dataDir, setupOptionsDir: setupOptionsDir, installedVerDir: installedVerDir,
		platform: platformInfo, lookupInstalled: lookupInstalled, selfPackageName: selfPackageName,
		setupTimeoutSec: setupTimeoutSec,
		lifecycle: lifecycle, incoming: incoming, downloadQueue: downloadQueue,
	}
}

// Run drains the incoming queue until a Stop item or ctx cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-w.incoming.Chan():
			switch v := item.(type) {
			case queue.Stop:
				return nil
			case dispatch.InstallItem:
				w.process(v)
			}
		}
	}
}

func (w *Worker) process(item dispatch.InstallItem) {
	if item.Action == dispatch.ActionResolveConflicts {
		w.resolveConflicts(item)
		return
	}
	w.runSetup(item)
}

// runSetup invokes <data>/<name>/setup <action> runFromPm and applies the
// exit-code effect. SetupHelper's own uninstall is deferred via the
// LifecycleFlags rather than run here, since running it in-line would kill
// the process mid-action; the dispatcher already routes that case away from
// this queue, so this is a defensive second check.
func (w *Worker) runSetup(item dispatch.InstallItem) {
	name := item.Name
	if item.Action == dispatch.ActionUninstall && name == w.selfPackageName {
		w.lifecycle.SetSelfUninstall()
		return
	}

	start := time.Now()
	setupPath := filepath.Join(w.dataDir, name, "setup")
	out, err := platform.InvokeProgram(nil, w.setupTimeoutSec, setupPath, string(item.Action), "runFromPm")
	if w.metrics != nil {
		w.metrics.ObserveInstallSeconds(time.Since(start).Seconds())
	}
	code := platform.ExitCode(err)
	if err != nil && code == -1 {
		w.logger.Warning(name, err, "setup program for action %q could not be run", item.Action)
		w.applyEffect(name, item, ExitEffect{Incompatible: "setup program could not be run"}, out)
		return
	}

	effect, known := ExitCodeTable[code]
	if !known {
		effect = ExitEffect{Incompatible: fmt.Sprintf("unknown error %d", code)}
	}
	w.applyEffect(name, item, effect, out)
}

func (w *Worker) applyEffect(name string, item dispatch.InstallItem, effect ExitEffect, stderrOutput string) {
	pkg, err := w.reg.Locate(w.tok, name)
	if err != nil || pkg == nil {
		return
	}

	// Re-evaluate compatibility before applying the exit-code effect, so
	// that an Incompatible reason reported by the setup program is kept.
	if reevalErr := compat.UpdateVersionsAndFlags(pkg, w.dataDir, w.setupOptionsDir, w.installedVerDir, w.platform, w.lookupInstalled); reevalErr != nil {
		w.logger.Warning(name, reevalErr, "failed to re-evaluate compatibility after setup")
	}

	if err := w.reg.Acquire(w.tok); err != nil {
		return
	}
	pkg.Flags.InstallPending = false

	switch {
	case effect.Incompatible != "":
		detail := effect.Incompatible
		if effect.PublishStderr && stderrOutput != "" {
			detail = effect.Incompatible + ": " + stderrOutput
		}
		pkg.Flags.Incompatible = detail

	case effect.ActionNeeded != registry.ActionNeededNone:
		pkg.ActionNeeded = effect.ActionNeeded
		if item.Source == dispatch.SourceAuto {
			if effect.ActionNeeded == registry.ActionNeededReboot {
				w.lifecycle.SetReboot()
			} else {
				w.lifecycle.SetRestartGui()
			}
		}
		// A GUI-sourced request leaves the flag for the user to confirm.

	case effect.AdviseRetry:
		w.logger.Info(name, nil, "setup program for action %q asked to be run again", item.Action)

	default:
		pkg.Flags.Incompatible = ""
	}

	if item.Source == dispatch.SourceGUI {
		switch item.Action {
		case dispatch.ActionInstall:
			pkg.Flags.AutoInstallOk = true
			_ = os.Remove(filepath.Join(w.setupOptionsDir, name, "DO_NOT_AUTO_INSTALL"))
		case dispatch.ActionUninstall:
			pkg.Flags.AutoInstallOk = false
			_ = os.MkdirAll(filepath.Join(w.setupOptionsDir, name), 0755)
			_ = os.WriteFile(filepath.Join(w.setupOptionsDir, name, "DO_NOT_AUTO_INSTALL"), nil, 0644)
		}
	}
	w.reg.Release(w.tok)

	if idx, err := w.reg.IndexOf(w.tok, name); err == nil && idx >= 0 {
		_ = w.reg.PublishVersions(w.tok, idx)
	}

	if item.Source == dispatch.SourceGUI {
		status := "ERROR"
		if effect.Incompatible == "" && !effect.AdviseRetry {
			status = ""
		}
		_ = w.bus.Set("service::GuiEditStatus", bus.StringValue(status))
	}
}

// UninstallSelf runs the self package's setup uninstall action directly,
// bypassing the queue and the deferred lifecycle flag. The main program
// calls this exactly once, after the sequencer's main loop has already
// returned, which is the only point at which killing the running process
// mid-uninstall is safe.
func (w *Worker) UninstallSelf() {
	setupPath := filepath.Join(w.dataDir, w.selfPackageName, "setup")
	if _, err := platform.InvokeProgram(nil, w.setupTimeoutSec, setupPath, string(dispatch.ActionUninstall), "runFromPm"); err != nil {
		w.logger.Warning(w.selfPackageName, err, "self-uninstall setup program returned an error")
	}
}

// resolveConflicts iterates the package's conflict sets and enqueues the
// corrective action for each: install the missing dependency (triggering a
// download first when it is not locally stored), or uninstall the
// conflicting package.
func (w *Worker) resolveConflicts(item dispatch.InstallItem) {
	pkg, err := w.reg.Locate(w.tok, item.Name)
	if err != nil || pkg == nil {
		return
	}

	for _, dep := range pkg.ConflictSets.DependencyErrors {
		if dep.RequiredState == "uninstalled" {
			w.incoming.Push(dispatch.InstallItem{Name: dep.OtherPackage, Action: dispatch.ActionUninstall, Source: item.Source})
			continue
		}
		if dep.RequiredState != "installed" {
			continue
		}
		depPkg, err := w.reg.Locate(w.tok, dep.OtherPackage)
		if err != nil || depPkg == nil {
			continue
		}
		if depPkg.Versions.Stored.Empty() && !depPkg.Versions.Remote.Empty() {
			if err := w.reg.Acquire(w.tok); err == nil {
				depPkg.InstallAfterDownload = true
				depPkg.Flags.DownloadPending = true
				w.reg.Release(w.tok)
			}
			w.downloadQueue.Push(dispatch.DownloadItem{Name: dep.OtherPackage, Source: item.Source})
			continue
		}
		w.incoming.Push(dispatch.InstallItem{Name: dep.OtherPackage, Action: dispatch.ActionInstall, Source: item.Source})
	}

	for _, conflict := range pkg.ConflictSets.FileConflicts {
		w.incoming.Push(dispatch.InstallItem{Name: conflict.OtherPackage, Action: dispatch.ActionUninstall, Source: item.Source})
	}
}
