package installer

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
)

func writeSetupScript(t *testing.T, dataDir, name string, exitCode int) {
	t.Helper()
	pkgDir := filepath.Join(dataDir, name)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	setupPath := filepath.Join(pkgDir, "setup")
	if err := os.WriteFile(setupPath, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "version"), []byte("v1.0.0"), 0644); err != nil {
		t.Fatal(err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func newTestWorker(t *testing.T, dataDir string) (*Worker, *registry.Registry, lock.Token, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "installer-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "PkgX", "user", "latest"); err != nil {
		t.Fatalf("failed to seed registry: %v", err)
	}
	incoming := queue.New("install", 4, logger)
	downloadQ := queue.New("download", 4, logger)
	lifecycle := &dispatch.LifecycleFlags{}
	w := New(reg, tok, b, logger, dataDir, t.TempDir(), t.TempDir(), compat.PlatformInfo{}, nil, "SetupHelper", 0, lifecycle, incoming, downloadQ)
	return w, reg, tok, b
}

func TestRunSetupSuccessClearsIncompatible(t *testing.T) {
	dataDir := t.TempDir()
	writeSetupScript(t, dataDir, "PkgX", 0)
	w, reg, tok, b := newTestWorker(t, dataDir)

	w.runSetup(dispatch.InstallItem{Name: "PkgX", Action: dispatch.ActionInstall, Source: dispatch.SourceGUI})

	pkg, _ := reg.Locate(tok, "PkgX")
	if pkg.Flags.Incompatible != "" {
		t.Errorf("expected incompatible to be cleared, got %q", pkg.Flags.Incompatible)
	}
	if !pkg.Flags.AutoInstallOk {
		t.Error("expected GUI install to flip autoInstallOk on")
	}
	status, _ := b.Get("service::GuiEditStatus")
	if status.String() != "" {
		t.Errorf("expected empty success ack, got %q", status.String())
	}
}

func TestRunSetupRebootNeededSetsGlobalFlagForAuto(t *testing.T) {
	dataDir := t.TempDir()
	writeSetupScript(t, dataDir, "PkgX", 123)
	w, reg, tok, _ := newTestWorker(t, dataDir)

	w.runSetup(dispatch.InstallItem{Name: "PkgX", Action: dispatch.ActionInstall, Source: dispatch.SourceAuto})

	pkg, _ := reg.Locate(tok, "PkgX")
	if pkg.ActionNeeded != registry.ActionNeededReboot {
		t.Errorf("expected ActionNeededReboot, got %q", pkg.ActionNeeded)
	}
	if reboot, _, _, _, _ := w.lifecycle.Snapshot(); !reboot {
		t.Error("expected the global reboot flag to be set for an AUTO-sourced install")
	}
}

func TestRunSetupPackageConflictSetsIncompatible(t *testing.T) {
	dataDir := t.TempDir()
	writeSetupScript(t, dataDir, "PkgX", 246)
	w, reg, tok, _ := newTestWorker(t, dataDir)

	w.runSetup(dispatch.InstallItem{Name: "PkgX", Action: dispatch.ActionInstall, Source: dispatch.SourceLocal})

	pkg, _ := reg.Locate(tok, "PkgX")
	if pkg.Flags.Incompatible == "" {
		t.Error("expected incompatible to be set for a package conflict")
	}
}

func TestSelfUninstallDefersRatherThanRunning(t *testing.T) {
	dataDir := t.TempDir()
	b := bus.NewMemoryBus()
	logger := lalog.Logger{ComponentName: "installer-test"}
	reg := registry.New(5*time.Second, b, logger)
	tok := lock.NewToken()
	if _, err := reg.Add(tok, "SetupHelper", "user", "latest"); err != nil {
		t.Fatal(err)
	}
	incoming := queue.New("install", 4, logger)
	downloadQ := queue.New("download", 4, logger)
	lifecycle := &dispatch.LifecycleFlags{}
	w := New(reg, tok, b, logger, dataDir, t.TempDir(), t.TempDir(), compat.PlatformInfo{}, nil, "SetupHelper", 0, lifecycle, incoming, downloadQ)

	w.runSetup(dispatch.InstallItem{Name: "SetupHelper", Action: dispatch.ActionUninstall, Source: dispatch.SourceGUI})

	if !lifecycle.TakeSelfUninstall() {
		t.Error("expected self-uninstall to be deferred via the lifecycle flag")
	}
}
