// Package sequencer implements the main sequencer: the 1 Hz loop that scans
// one package per tick, decides whether it needs a download or an install,
// and aggregates the system-wide ActionNeeded state.
package sequencer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/metrics"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/versionrefresh"
)

const tickInterval = 1 * time.Second

// DownloadMode mirrors the user-selectable auto-download toggle, persisted
// on the bus as an integer.
type DownloadMode int64

const (
	DownloadOff DownloadMode = iota
	DownloadOn
	DownloadOneShot
)

// Refresher is the subset of versionrefresh.Refresher the sequencer drives.
type Refresher interface {
	RequestRefresh()
	WaitForRemoteVersions() bool
}

// Sequencer runs the 1 Hz main loop.
type Sequencer struct {
	reg       *registry.Registry
	tok       lock.Token
	propBus   bus.Bus
	logger    lalog.Logger
	lifecycle *dispatch.LifecycleFlags
	dispatcher *dispatch.Dispatcher
	metrics   *metrics.Metrics

	refresher     Refresher
	downloadQueue *queue.Queue
	installQueue  *queue.Queue

	dataDir               string
	setupOptionsDir       string
	installedVersionDir   string
	reinstallSentinelPath string
	refreshPeriod         time.Duration
	platform              compat.PlatformInfo
	lookupInstalled       compat.LookupInstalled

	cursor           int
	lastDownloadMode DownloadMode
	reinstallInProg  bool
	quiescentTicks   int
}

// New returns a Sequencer.
func New(reg *registry.Registry, tok lock.Token, propBus bus.Bus, logger lalog.Logger, lifecycle *dispatch.LifecycleFlags,
	dispatcher *dispatch.Dispatcher, refresher Refresher, downloadQueue, installQueue *queue.Queue,
	dataDir, setupOptionsDir, installedVersionDir, reinstallSentinelPath string, refreshPeriod time.Duration,
	platformInfo compat.PlatformInfo, lookupInstalled compat.LookupInstalled) *Sequencer {
	return &Sequencer{
		reg: reg, tok: tok, propBus: propBus, logger: logger, lifecycle: lifecycle, dispatcher: dispatcher,
		refresher: refresher, downloadQueue: downloadQueue, installQueue: installQueue,
		dataDir: dataDir, setupOptionsDir: setupOptionsDir, installedVersionDir: installedVersionDir,
		reinstallSentinelPath: reinstallSentinelPath, refreshPeriod: refreshPeriod,
		platform: platformInfo, lookupInstalled: lookupInstalled,
		lastDownloadMode: DownloadOff,
	}
}

// SetMetrics attaches the Prometheus collectors the sequencer updates once
// per tick: registry size, worker queue depth, and the aggregate
// ActionNeeded gauge. Safe to leave unset; a nil metrics is a no-op.
func (s *Sequencer) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Run ticks at 1 Hz until ctx is cancelled, or two consecutive quiescent
// ticks occur while a lifecycle flag is set.
func (s *Sequencer) Run(ctx context.Context) error {
	if _, err := os.Stat(s.reinstallSentinelPath); err == nil {
		s.reinstallInProg = true
		s.logger.Info("sequencer", nil, "boot-time reinstall sentinel present, reinstalling every uninstalled package")
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.tick() {
				return nil
			}
		}
	}
}

// tick runs one 1 Hz cycle and reports whether the main loop should exit.
func (s *Sequencer) tick() bool {
	if s.dispatcher != nil {
		if status, ok := s.dispatcher.DrainAck(); ok {
			_ = s.propBus.Set(bus.ServiceGuiEditStatus, bus.StringValue(status))
		}
	}

	mode := s.readDownloadMode()
	if (s.lastDownloadMode == DownloadOff && mode != DownloadOff) || (mode == DownloadOneShot && s.lastDownloadMode != DownloadOneShot) {
		s.cursor = 0
		s.refresher.RequestRefresh()
	}
	s.lastDownloadMode = mode

	anyPending := false
	if s.refresher.WaitForRemoteVersions() {
		anyPending = true
	} else {
		anyPending = s.scanOnePackage(mode)
	}
	if !anyPending {
		_ = s.reg.Each(s.tok, func(_ int, pkg *registry.Package) {
			if pkg.Flags.DownloadPending || pkg.Flags.InstallPending {
				anyPending = true
			}
		})
	}

	severity := s.aggregateActionNeeded()
	_ = s.propBus.Set(bus.ServiceActionNeeded, bus.StringValue(string(severity)))

	if s.metrics != nil {
		if count, err := s.reg.Count(s.tok); err == nil {
			s.metrics.SetPackageCount(count)
		}
		s.metrics.SetActionNeeded(string(severity))
		s.metrics.SetQueueDepth(s.downloadQueue.Name(), s.downloadQueue.Len())
		s.metrics.SetQueueDepth(s.installQueue.Name(), s.installQueue.Len())
	}

	if anyPending {
		s.quiescentTicks = 0
	} else {
		s.quiescentTicks++
	}
	if s.quiescentTicks >= 2 && s.lifecycle.AnySet() {
		return true
	}
	return false
}

func (s *Sequencer) readDownloadMode() DownloadMode {
	v, ok := s.propBus.Get(bus.SettingsGitHubAutoDownload)
	if !ok {
		return DownloadOff
	}
	return DownloadMode(v.Int)
}

// scanOnePackage advances the cursor by one package, re-evaluates its
// compatibility, and schedules a download or install if warranted. It
// reports whether the scanned package had a pending action.
func (s *Sequencer) scanOnePackage(mode DownloadMode) bool {
	count, err := s.reg.Count(s.tok)
	if err != nil || count == 0 {
		return false
	}
	if s.cursor >= count {
		s.cursor = 0
		if s.reinstallInProg {
			s.reinstallInProg = false
			_ = os.Remove(s.reinstallSentinelPath)
		}
	}

	var pkg *registry.Package
	_ = s.reg.Each(s.tok, func(i int, p *registry.Package) {
		if i == s.cursor {
			pkg = p
		}
	})
	s.cursor++
	if pkg == nil {
		return false
	}

	if err := compat.UpdateVersionsAndFlags(pkg, s.dataDir, s.setupOptionsDir, s.installedVersionDir, s.platform, s.lookupInstalled); err != nil {
		s.logger.Warning(pkg.Name, err, "failed to re-evaluate compatibility")
	}
	versionrefresh.ExpireStale(pkg, s.refreshPeriod)
	if idx, err := s.reg.IndexOf(s.tok, pkg.Name); err == nil && idx >= 0 {
		_ = s.reg.PublishVersions(s.tok, idx)
	}

	if pkg.Flags.DownloadPending || pkg.Flags.InstallPending {
		return true
	}

	if mode != DownloadOff && s.downloadRequired(pkg) {
		if err := s.reg.Acquire(s.tok); err == nil {
			pkg.Flags.DownloadPending = true
			s.reg.Release(s.tok)
		}
		s.downloadQueue.Push(dispatch.DownloadItem{Name: pkg.Name, Source: dispatch.SourceAuto})
		return true
	}

	if pkg.Flags.Incompatible != "" {
		return false
	}

	if s.installRequired(pkg) {
		if err := s.reg.Acquire(s.tok); err == nil {
			pkg.Flags.InstallPending = true
			pkg.OneTimeInstall = false
			s.reg.Release(s.tok)
		}
		s.installQueue.Push(dispatch.InstallItem{Name: pkg.Name, Action: dispatch.ActionInstall, Source: dispatch.SourceAuto})
		return true
	}
	return false
}

// downloadRequired implements spec.md §4.8's download-required rule.
func (s *Sequencer) downloadRequired(pkg *registry.Package) bool {
	remote, stored := pkg.Versions.Remote, pkg.Versions.Stored
	if remote.Empty() || stored.Empty() || remote.String() == "" || remote.String()[0] != 'v' {
		return false
	}
	if len(pkg.Source.Branch) > 0 && pkg.Source.Branch[0] == 'v' {
		return remote.Num() != stored.Num()
	}
	return remote.Num() > stored.Num()
}

func (s *Sequencer) installRequired(pkg *registry.Package) bool {
	if pkg.OneTimeInstall {
		return true
	}
	if !pkg.Flags.AutoInstallOk {
		return false
	}
	if pkg.Versions.Stored.Num() == pkg.Versions.Installed.Num() {
		return false
	}
	if fileExists(filepath.Join(s.setupOptionsDir, pkg.Name, "AUTO_INSTALL")) {
		return true
	}
	if s.reinstallInProg && pkg.Versions.Installed.Empty() {
		return true
	}
	return s.userWantsAutoInstall()
}

func (s *Sequencer) userWantsAutoInstall() bool {
	v, ok := s.propBus.Get(bus.SettingsAutoInstall)
	return ok && v.Bool
}

// aggregateActionNeeded returns the most severe ActionNeeded across every
// package: reboot > guiRestart > none.
func (s *Sequencer) aggregateActionNeeded() registry.ActionNeeded {
	severity := registry.ActionNeededNone
	_ = s.reg.Each(s.tok, func(_ int, pkg *registry.Package) {
		switch pkg.ActionNeeded {
		case registry.ActionNeededReboot:
			severity = registry.ActionNeededReboot
		case registry.ActionNeededGuiRestart:
			if severity != registry.ActionNeededReboot {
				severity = registry.ActionNeededGuiRestart
			}
		}
	})
	return severity
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
