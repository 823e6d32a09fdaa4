package media

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
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
)

func buildArchive(t *testing.T, pkgName, versionText string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := versionText + "\n"
	if err := tw.WriteHeader(&tar.Header{Name: pkgName + "/version", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestScanner(t *testing.T) (*Scanner, *registry.Registry, lock.Token, string, bus.Bus) {
	t.Helper()
	root := t.TempDir()
	dataDir := t.TempDir()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "media-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "MediaPkg", "user", "latest"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	installQ := queue.New("install", 4, logger)
	incoming := queue.New("media", 4, logger)
	lifecycle := &dispatch.LifecycleFlags{}
	s := New(root, dataDir, t.TempDir(), t.TempDir(), t.TempDir(), compat.PlatformInfo{}, nil, reg, tok, b, logger,
		lifecycle, installQ, incoming, nil, nil, nil)
	return s, reg, tok, root, b
}

func TestMatchArchiveName(t *testing.T) {
	cases := map[string]struct {
		name string
		ok   bool
	}{
		"MyPkg-latest.tar.gz": {"MyPkg", true},
		"MyPkg-7.tar.gz":      {"MyPkg", true},
		"MyPkg-bogus.tar.gz":  {"", false},
		"MyPkg.tar.gz":        {"", false},
		"MyPkg-latest.zip":    {"", false},
	}
	for fileName, want := range cases {
		name, ok := matchArchiveName(fileName)
		if ok != want.ok || (ok && name != want.name) {
			t.Errorf("matchArchiveName(%q) = (%q, %v), want (%q, %v)", fileName, name, ok, want.name, want.ok)
		}
	}
}

func TestHandleNewDriveTransfersNewerArchive(t *testing.T) {
	s, reg, tok, root, _ := newTestScanner(t)
	driveDir := filepath.Join(root, "drive1")
	if err := os.MkdirAll(driveDir, 0755); err != nil {
		t.Fatal(err)
	}
	archiveBytes := buildArchive(t, "MediaPkg", "v2.0.0")
	if err := os.WriteFile(filepath.Join(driveDir, "MediaPkg-latest.tar.gz"), archiveBytes, 0644); err != nil {
		t.Fatal(err)
	}

	s.handleNewDrive(driveDir)

	pkg, _ := reg.Locate(tok, "MediaPkg")
	if _, err := os.Stat(filepath.Join(s.dataDir, "MediaPkg", "version")); err != nil {
		t.Fatalf("expected package to be swapped into place: %v", err)
	}
	if pkg.OneTimeInstall {
		t.Error("expected OneTimeInstall to remain false without the AUTO_INSTALL_PACKAGES marker")
	}
}

func TestHandleNewDriveAutoInstallMarksOneTimeInstall(t *testing.T) {
	s, reg, tok, root, _ := newTestScanner(t)
	driveDir := filepath.Join(root, "drive1")
	if err := os.MkdirAll(driveDir, 0755); err != nil {
		t.Fatal(err)
	}
	archiveBytes := buildArchive(t, "MediaPkg", "v2.0.0")
	if err := os.WriteFile(filepath.Join(driveDir, "MediaPkg-latest.tar.gz"), archiveBytes, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(driveDir, markerAutoInstall), nil, 0644); err != nil {
		t.Fatal(err)
	}

	s.handleNewDrive(driveDir)

	pkg, _ := reg.Locate(tok, "MediaPkg")
	if !pkg.OneTimeInstall {
		t.Error("expected OneTimeInstall to be set when AUTO_INSTALL_PACKAGES marker is present")
	}
}

func TestCheckBackupProgressIdleIsNoop(t *testing.T) {
	s, _, _, _, b := newTestScanner(t)
	_ = b.Set(bus.ServiceBackupProgress, bus.IntValue(bus.BackupProgressIdle))
	s.checkBackupProgress()
	v, _ := b.Get(bus.ServiceBackupProgress)
	if v.Int != bus.BackupProgressIdle {
		t.Errorf("expected progress to remain idle, got %d", v.Int)
	}
}

func TestRunBackupAndRestoreLocalRoundTrip(t *testing.T) {
	s, _, _, _, b := newTestScanner(t)
	var stored []byte
	s.serializeSettings = func() ([]byte, error) { return []byte("settings-payload"), nil }
	s.restoreSettings = func(data []byte) error { stored = data; return nil }

	_ = b.Set(bus.ServiceBackupProgress, bus.IntValue(bus.BackupProgressBackupLocal))
	s.checkBackupProgress()
	v, _ := b.Get(bus.ServiceBackupProgress)
	if v.Int != bus.BackupProgressIdle {
		t.Fatalf("expected progress to return to idle after backup, got %d", v.Int)
	}

	_ = b.Set(bus.ServiceBackupProgress, bus.IntValue(bus.BackupProgressRestoreLocal))
	s.checkBackupProgress()
	if string(stored) != "settings-payload" {
		t.Errorf("expected restored payload %q, got %q", "settings-payload", stored)
	}
}
