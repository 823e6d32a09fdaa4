// Package compat implements the compatibility and conflict engine: per
// package, per tick, it reads on-disk markers and decides whether the
// package is installable, recording the reason if not.
package compat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/version"
)

// PlatformInfo describes the running appliance, used against a package's
// raspberryPiOnly and validFirmwareVersions gates.
type PlatformInfo struct {
	Platform        string
	FirmwareVersion string
}

// LookupInstalled resolves another package's installed state by name, used
// to evaluate packageDependencies lines without this engine depending on the
// registry package's lock directly (the caller already holds it).
type LookupInstalled func(name string) (installed version.Version, exists bool)

const (
	defaultFirstCompatibleVersion = "v2.71.0"
	defaultObsoleteVersion        = "v9999.9999.9999"
)

// UpdateVersionsAndFlags runs the eleven ordered checks of the design
// against pkg, mutating its Versions, Flags, and ConflictSets in place.
// Checks run in order; the first one to fail wins for Incompatible.
func UpdateVersionsAndFlags(pkg *registry.Package, dataDir, setupOptionsDir, installedVersionDir string, platform PlatformInfo, lookup LookupInstalled) error {
	pkgDir := filepath.Join(dataDir, pkg.Name)

	// 1. Read installed-version marker.
	pkg.Versions.Installed = readInstalledVersion(installedVersionDir, pkg.Name)

	// 2. Package directory absent.
	if _, err := os.Stat(pkgDir); err != nil {
		pkg.Versions.Installed = version.Version{}
		pkg.Versions.Stored = version.Version{}
		pkg.Flags.AutoInstallOk = false
		pkg.Flags.Incompatible = "no package"
		pkg.Flags.IncompatibleResolvable = false
		return nil
	}

	// 3. Stored version.
	pkg.Versions.Stored = readVersionFile(filepath.Join(pkgDir, "version"))

	// 4. Platform gate.
	if fileExists(filepath.Join(pkgDir, "raspberryPiOnly")) && platform.Platform != "" && !strings.Contains(strings.ToLower(platform.Platform), "raspberry") {
		pkg.Flags.Incompatible = fmt.Sprintf("incompatible with %s", platform.Platform)
		return nil
	}

	// 5. autoInstallOk from the DO_NOT_AUTO_INSTALL marker.
	pkg.Flags.AutoInstallOk = !fileExists(filepath.Join(setupOptionsDir, pkg.Name, "DO_NOT_AUTO_INSTALL"))

	// 6. Firmware window.
	if incompat := checkFirmwareWindow(pkgDir, platform.FirmwareVersion); incompat != "" {
		pkg.Flags.Incompatible = incompat
		return nil
	}

	// 7. Options required but not set.
	if fileExists(filepath.Join(pkgDir, "optionsRequired")) && !fileExists(filepath.Join(setupOptionsDir, pkg.Name, "optionsSet")) {
		pkg.Flags.Incompatible = "install from command line"
		return nil
	}

	// 8 & 9. Dependencies and file conflicts.
	pkg.ConflictSets.DependencyErrors = checkDependencies(pkgDir, lookup)
	pkg.ConflictSets.FileConflicts = checkFileConflicts(pkgDir, pkg.Name, &pkg.Timestamps.LastScriptPrecheck)

	// 10. Package conflict from either set.
	if len(pkg.ConflictSets.DependencyErrors) > 0 || len(pkg.ConflictSets.FileConflicts) > 0 {
		pkg.Flags.Incompatible = "package conflict"
		pkg.Flags.IncompatibleResolvable = resolvable(pkg.ConflictSets.DependencyErrors, lookup)
		return nil
	}
	pkg.Flags.IncompatibleResolvable = false

	// 11. Patch errors.
	if lines, ok := readLines(filepath.Join(pkgDir, "patchErrors")); ok && len(lines) > 0 {
		pkg.ConflictSets.PatchErrors = lines
		pkg.Flags.Incompatible = "patch error"
		return nil
	}

	pkg.Flags.Incompatible = ""
	return nil
}

func checkFirmwareWindow(pkgDir, firmware string) string {
	firstStr := readVersionFileDefault(filepath.Join(pkgDir, "firstCompatibleVersion"), defaultFirstCompatibleVersion)
	obsoleteStr := readVersionFileDefault(filepath.Join(pkgDir, "obsoleteVersion"), defaultObsoleteVersion)
	first := version.Parse(firstStr)
	obsolete := version.Parse(obsoleteStr)
	running := version.Parse(firmware)

	if !running.Empty() {
		if running.Num() < first.Num() || running.Num() >= obsolete.Num() {
			return fmt.Sprintf("incompatible with %s", firmware)
		}
	}
	if lines, ok := readLines(filepath.Join(pkgDir, "validFirmwareVersions")); ok && len(lines) > 0 {
		found := false
		for _, line := range lines {
			if strings.TrimSpace(line) == firmware {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("incompatible with %s", firmware)
		}
	}
	if fileExists(filepath.Join(pkgDir, "FileSets", firmware, "INCOMPLETE")) {
		return fmt.Sprintf("incompatible with %s", firmware)
	}
	return ""
}

func checkDependencies(pkgDir string, lookup LookupInstalled) []registry.ConflictEntry {
	lines, ok := readLines(filepath.Join(pkgDir, "packageDependencies"))
	if !ok {
		return nil
	}
	var mismatches []registry.ConflictEntry
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		otherName, wantState := fields[0], fields[1]
		if lookup == nil {
			continue
		}
		installedVer, exists := lookup(otherName)
		isInstalled := exists && !installedVer.Empty()
		switch wantState {
		case "installed":
			if !isInstalled {
				mismatches = append(mismatches, registry.ConflictEntry{OtherPackage: otherName, RequiredState: "installed"})
			}
		case "uninstalled":
			if isInstalled {
				mismatches = append(mismatches, registry.ConflictEntry{OtherPackage: otherName, RequiredState: "uninstalled"})
			}
		}
	}
	return mismatches
}

func checkFileConflicts(pkgDir, selfName string, lastScriptPrecheck *time.Time) []registry.ConflictEntry {
	var conflicts []registry.ConflictEntry
	needsPrecheck := false
	for _, listName := range []string{"fileList", "fileListVersionIndependent"} {
		lines, ok := readLines(filepath.Join(pkgDir, "FileSets", listName))
		if !ok {
			continue
		}
		for _, line := range lines {
			if !strings.HasPrefix(line, "/") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			activePath := fields[0]
			ownerFile := activePath + ".package"
			info, err := os.Stat(ownerFile)
			if err != nil {
				continue
			}
			owner, ok := readLines(ownerFile)
			if !ok || len(owner) == 0 {
				continue
			}
			ownerName := strings.TrimSpace(owner[0])
			if ownerName == "" || ownerName == selfName {
				continue
			}
			conflicts = append(conflicts, registry.ConflictEntry{
				OtherPackage:  ownerName,
				RequiredState: "uninstalled",
				File:          filepath.Base(activePath),
			})
			if info.ModTime().After(*lastScriptPrecheck) {
				needsPrecheck = true
			}
		}
	}
	if needsPrecheck {
		*lastScriptPrecheck = time.Now()
	}
	return conflicts
}

func resolvable(deps []registry.ConflictEntry, lookup LookupInstalled) bool {
	if lookup == nil {
		return false
	}
	for _, dep := range deps {
		if dep.RequiredState == "uninstalled" {
			// Remedied by uninstalling the other package.
			continue
		}
		if _, exists := lookup(dep.OtherPackage); !exists {
			return false
		}
	}
	return true
}

func readInstalledVersion(installedVersionDir, name string) version.Version {
	return readVersionFile(filepath.Join(installedVersionDir, "installedVersion-"+name))
}

func readVersionFile(path string) version.Version {
	data, err := os.ReadFile(path)
	if err != nil {
		return version.Version{}
	}
	return version.Parse(strings.TrimSpace(string(data)))
}

func readVersionFileDefault(path, def string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return def
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return def
	}
	return trimmed
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readLines(path string) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.TrimSpace(trimmed) == "" || strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
			continue
		}
		lines = append(lines, trimmed)
	}
	return lines, true
}
