// Package downloader implements the Downloader worker: it fetches a
// package's archive, extracts it, and atomically swaps it into place.
package downloader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daemonforge/pkgmand/archive"
	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/fetch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/metrics"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
)

const defaultArchiveFetchTimeoutSec = 120

// Worker drains the download queue, one item at a time.
type Worker struct {
	reg    *registry.Registry
	tok    lock.Token
	bus    bus.Bus
	client *fetch.Client
	logger lalog.Logger

	dataDir               string
	setupOptionsDir       string
	installedVerDir       string
	platform              compat.PlatformInfo
	lookupInstalled       compat.LookupInstalled
	archiveFetchTimeoutSec int
	metrics                *metrics.Metrics

	incoming     *queue.Queue
	installQueue *queue.Queue
}

// SetMetrics attaches the download-duration histogram. Safe to leave unset.
func (w *Worker) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// New returns a Downloader worker. A non-positive archiveFetchTimeoutSec
// falls back to 120s.
func New(reg *registry.Registry, tok lock.Token, b bus.Bus, client *fetch.Client, logger lalog.Logger,
	dataDir, setupOptionsDir, installedVerDir string, platform compat.PlatformInfo, lookupInstalled compat.LookupInstalled,
	archiveFetchTimeoutSec int, incoming, installQueue *queue.Queue) *Worker {
	if archiveFetchTimeoutSec <= 0 {
		archiveFetchTimeoutSec = defaultArchiveFetchTimeoutSec
	}
	return &Worker{
		reg: reg, tok: tok, bus: b, client: client, logger: logger,
		dataDir: dataDir, setupOptionsDir: setupOptionsDir, installedVerDir: installedVerDir,
		platform: platform, lookupInstalled: lookupInstalled, archiveFetchTimeoutSec: archiveFetchTimeoutSec,
		incoming: incoming, installQueue: installQueue,
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
			case dispatch.DownloadItem:
				w.process(ctx, v)
			}
		}
	}
}

// process implements spec.md §4.4's eight-step pipeline.
func (w *Worker) process(ctx context.Context, item dispatch.DownloadItem) {
	start := time.Now()
	if w.metrics != nil {
		defer func() { w.metrics.ObserveDownloadSeconds(time.Since(start).Seconds()) }()
	}

	name := item.Name
	user, branch, ok := w.resolveSource(name)
	if !ok {
		w.fail(name, item.Source, fmt.Errorf("downloader: package %q has no resolvable source", name))
		return
	}

	workDir, err := os.MkdirTemp(w.dataDir, name+".download-*")
	if err != nil {
		w.fail(name, item.Source, fmt.Errorf("downloader: failed to create working directory: %w", err))
		return
	}
	defer os.RemoveAll(workDir)

	archiveBytes, err := w.client.FetchArchive(ctx, user, name, branch, w.archiveFetchTimeoutSec)
	if err != nil {
		w.fail(name, item.Source, fmt.Errorf("downloader: archive fetch failed: %w", err))
		return
	}

	extractDir := filepath.Join(workDir, "extracted")
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		w.fail(name, item.Source, fmt.Errorf("downloader: failed to create extraction directory: %w", err))
		return
	}
	if err := archive.ExtractTarGz(bytes.NewReader(archiveBytes), extractDir); err != nil {
		w.fail(name, item.Source, fmt.Errorf("downloader: extraction failed: %w", err))
		return
	}

	pkgDir, err := archive.FindPackageDir(extractDir)
	if err != nil {
		w.fail(name, item.Source, fmt.Errorf("downloader: %w", err))
		return
	}

	if err := w.swapIntoPlace(name, pkgDir); err != nil {
		w.fail(name, item.Source, err)
		return
	}

	w.finish(name, item.Source)
}

// swapIntoPlace moves pkgDir into place at <dataDir>/<name> under lock,
// renaming the previous contents aside first so <dataDir>/<name> is never
// observed partially populated.
func (w *Worker) swapIntoPlace(name, pkgDir string) error {
	if err := w.reg.Acquire(w.tok); err != nil {
		return err
	}
	defer w.reg.Release(w.tok)

	dest := filepath.Join(w.dataDir, name)
	asideName := dest + ".previous"
	_ = os.RemoveAll(asideName)

	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, asideName); err != nil {
			return fmt.Errorf("downloader: failed to move aside previous install: %w", err)
		}
	}
	if err := os.Rename(pkgDir, dest); err != nil {
		// Best-effort restoration of the previous install on failure.
		if _, statErr := os.Stat(asideName); statErr == nil {
			_ = os.Rename(asideName, dest)
		}
		return fmt.Errorf("downloader: failed to move new install into place: %w", err)
	}
	_ = os.RemoveAll(asideName)
	return nil
}

// finish clears downloadPending, honors a queued installAfterDownload, and
// re-evaluates compatibility for the freshly downloaded package.
func (w *Worker) finish(name string, source dispatch.Source) {
	pkg, err := w.reg.Locate(w.tok, name)
	if err != nil || pkg == nil {
		return
	}

	if err := w.reg.Acquire(w.tok); err != nil {
		return
	}
	pkg.Flags.DownloadPending = false
	installAfter := pkg.InstallAfterDownload
	pkg.InstallAfterDownload = false
	w.reg.Release(w.tok)

	if err := compat.UpdateVersionsAndFlags(pkg, w.dataDir, w.setupOptionsDir, w.installedVerDir, w.platform, w.lookupInstalled); err != nil {
		w.logger.Warning(name, err, "failed to re-evaluate compatibility after download")
	}
	if idx, err := w.reg.IndexOf(w.tok, name); err == nil && idx >= 0 {
		_ = w.reg.PublishVersions(w.tok, idx)
	}

	if installAfter {
		w.installQueue.Push(dispatch.InstallItem{Name: name, Action: dispatch.ActionInstall, Source: source})
	}

	if source == dispatch.SourceGUI {
		_ = w.bus.Set("service::GuiEditStatus", bus.StringValue(""))
	}
}

func (w *Worker) fail(name string, source dispatch.Source, err error) {
	w.logger.Warning(name, err, "download failed")
	if pkg, lookupErr := w.reg.Locate(w.tok, name); lookupErr == nil && pkg != nil {
		if acqErr := w.reg.Acquire(w.tok); acqErr == nil {
			pkg.Flags.DownloadPending = false
			w.reg.Release(w.tok)
		}
	}
	if source == dispatch.SourceGUI {
		_ = w.bus.Set("service::GuiEditStatus", bus.StringValue("ERROR"))
	}
}

func (w *Worker) resolveSource(name string) (user, branch string, ok bool) {
	pkg, err := w.reg.Locate(w.tok, name)
	if err != nil || pkg == nil {
		return "", "", false
	}
	if pkg.Source.User == "?" || pkg.Source.Branch == "?" || pkg.Source.User == "" || pkg.Source.Branch == "" {
		return "", "", false
	}
	return pkg.Source.User, pkg.Source.Branch, true
}

