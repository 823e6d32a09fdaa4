package compat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/version"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func noLookup(string) (version.Version, bool) { return version.Version{}, false }

func TestNoPackageDirectory(t *testing.T) {
	dataDir := t.TempDir()
	pkg := &registry.Package{Name: "Missing"}
	if err := UpdateVersionsAndFlags(pkg, dataDir, t.TempDir(), t.TempDir(), PlatformInfo{}, noLookup); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkg.Flags.Incompatible != "no package" {
		t.Errorf("expected \"no package\", got %q", pkg.Flags.Incompatible)
	}
}

func TestCompatiblePackage(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "Good", "version"), "v1.0.0")
	pkg := &registry.Package{Name: "Good"}
	if err := UpdateVersionsAndFlags(pkg, dataDir, t.TempDir(), t.TempDir(), PlatformInfo{FirmwareVersion: "v3.0.0"}, noLookup); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkg.Flags.Incompatible != "" {
		t.Errorf("expected compatible package, got incompatible=%q", pkg.Flags.Incompatible)
	}
	if pkg.Versions.Stored.Num() != version.Parse("v1.0.0").Num() {
		t.Errorf("unexpected stored version: %v", pkg.Versions.Stored)
	}
}

func TestFirmwareWindowBoundaries(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "P", "version"), "v1.0.0")
	pkg := &registry.Package{Name: "P"}

	if err := UpdateVersionsAndFlags(pkg, dataDir, t.TempDir(), t.TempDir(), PlatformInfo{FirmwareVersion: "v2.71.0"}, noLookup); err != nil {
		t.Fatal(err)
	}
	if pkg.Flags.Incompatible != "" {
		t.Errorf("firmware exactly at firstCompatibleVersion must be compatible, got %q", pkg.Flags.Incompatible)
	}

	if err := UpdateVersionsAndFlags(pkg, dataDir, t.TempDir(), t.TempDir(), PlatformInfo{FirmwareVersion: "v9999.9999.9999"}, noLookup); err != nil {
		t.Fatal(err)
	}
	if pkg.Flags.Incompatible == "" {
		t.Error("firmware exactly at obsoleteVersion must be incompatible")
	}
}

func TestDependencyConflict(t *testing.T) {
	dataDir := t.TempDir()
	writeFile(t, filepath.Join(dataDir, "A", "version"), "v1.0.0")
	writeFile(t, filepath.Join(dataDir, "A", "packageDependencies"), "B uninstalled\n")
	pkg := &registry.Package{Name: "A"}
	lookup := func(name string) (version.Version, bool) {
		if name == "B" {
			return version.Parse("v1.0.0"), true
		}
		return version.Version{}, false
	}
	if err := UpdateVersionsAndFlags(pkg, dataDir, t.TempDir(), t.TempDir(), PlatformInfo{}, lookup); err != nil {
		t.Fatal(err)
	}
	if pkg.Flags.Incompatible != "package conflict" {
		t.Fatalf("expected package conflict, got %q", pkg.Flags.Incompatible)
	}
	if len(pkg.ConflictSets.DependencyErrors) != 1 {
		t.Fatalf("expected one dependency error, got %d", len(pkg.ConflictSets.DependencyErrors))
	}
}
