package sequencer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/version"
)

type fakeRefresher struct {
	waiting         bool
	refreshRequests int
}

func (f *fakeRefresher) RequestRefresh()            { f.refreshRequests++ }
func (f *fakeRefresher) WaitForRemoteVersions() bool { return f.waiting }

func newTestSequencer(t *testing.T) (*Sequencer, *registry.Registry, lock.Token, bus.Bus, string) {
	t.Helper()
	dataDir := t.TempDir()
	setupOptionsDir := t.TempDir()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "sequencer-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	lifecycle := &dispatch.LifecycleFlags{}
	downloadQ := queue.New("download", 4, logger)
	installQ := queue.New("install", 4, logger)
	refresher := &fakeRefresher{}
	s := New(reg, tok, b, logger, lifecycle, nil, refresher, downloadQ, installQ,
		dataDir, setupOptionsDir, t.TempDir(), filepath.Join(t.TempDir(), "REINSTALL_PACKAGES"), 10*time.Minute,
		compat.PlatformInfo{}, nil)
	return s, reg, tok, b, dataDir
}

func writePackageDir(t *testing.T, dataDir, name, versionText string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dataDir, name), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, name, "version"), []byte(versionText), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDownloadRequiredPinnedBranch(t *testing.T) {
	s, _, _, _, _ := newTestSequencer(t)
	pkg := &registry.Package{
		Source:   registry.Source{Branch: "v1.0.0"},
		Versions: registry.Versions{Remote: version.Parse("v1.0.0"), Stored: version.Parse("v2.0.0")},
	}
	if !s.downloadRequired(pkg) {
		t.Error("expected a download for a pinned branch whose remote differs from stored")
	}
	pkg.Versions.Stored = version.Parse("v1.0.0")
	if s.downloadRequired(pkg) {
		t.Error("expected no download once stored matches the pinned remote")
	}
}

func TestDownloadRequiredNamedStream(t *testing.T) {
	s, _, _, _, _ := newTestSequencer(t)
	pkg := &registry.Package{
		Source:   registry.Source{Branch: "latest"},
		Versions: registry.Versions{Remote: version.Parse("v2.0.0"), Stored: version.Parse("v1.0.0")},
	}
	if !s.downloadRequired(pkg) {
		t.Error("expected a download when remote is newer than stored on a named stream")
	}
	pkg.Versions.Remote = version.Parse("v0.5.0")
	if s.downloadRequired(pkg) {
		t.Error("expected no download when remote is older than stored on a named stream")
	}
}

func TestScanOnePackageSchedulesDownload(t *testing.T) {
	s, reg, tok, b, dataDir := newTestSequencer(t)
	writePackageDir(t, dataDir, "PkgX", "v1.0.0")
	pkg, err := reg.Add(tok, "PkgX", "user", "latest")
	if err != nil {
		t.Fatal(err)
	}
	pkg.Versions.Remote = version.Parse("v2.0.0")
	_ = b.Set(bus.SettingsGitHubAutoDownload, bus.IntValue(int64(DownloadOn)))

	pending := s.scanOnePackage(DownloadOn)
	if !pending {
		t.Fatal("expected the scan to report a pending action")
	}
	if !pkg.Flags.DownloadPending {
		t.Error("expected downloadPending to be set")
	}
}

func TestScanOnePackageOneTimeInstall(t *testing.T) {
	s, reg, tok, _, dataDir := newTestSequencer(t)
	writePackageDir(t, dataDir, "PkgY", "v1.0.0")
	pkg, err := reg.Add(tok, "PkgY", "user", "latest")
	if err != nil {
		t.Fatal(err)
	}
	pkg.OneTimeInstall = true

	pending := s.scanOnePackage(DownloadOff)
	if !pending {
		t.Fatal("expected the scan to report a pending action")
	}
	if !pkg.Flags.InstallPending {
		t.Error("expected installPending to be set for a one-time-install package")
	}
}

func TestQuiescentTicksEndLoop(t *testing.T) {
	s, _, _, _, _ := newTestSequencer(t)
	s.lifecycle.SetReboot()
	if s.tick() {
		t.Fatal("expected the loop to continue on the first quiescent tick")
	}
	if !s.tick() {
		t.Fatal("expected the loop to end on the second consecutive quiescent tick with a lifecycle flag set")
	}
}
