// Package registry holds the package list and the invariants around it: the
// central Package record, the reentrant-locked Registry that owns it, and
// the property-bus mirror contract.
package registry

import (
	"time"

	"github.com/daemonforge/pkgmand/version"
)

// ConflictEntry is one line of a dependency or file-conflict set: another
// package name paired with the state it must (or must not) be in.
type ConflictEntry struct {
	OtherPackage  string
	RequiredState string // "installed" or "uninstalled"
	File          string // non-empty only for file conflicts
}

// Source is a package's remote coordinate. Either field may be "?" for
// unknown.
type Source struct {
	User   string
	Branch string
}

// Flags groups a package's busy/override/incompatibility state.
type Flags struct {
	DownloadPending bool
	InstallPending  bool

	AutoInstallOk bool
	AutoAddOk     bool

	Incompatible           string
	IncompatibleResolvable bool
}

// ConflictSets groups the three ordered conflict lists spec.md §3 defines.
type ConflictSets struct {
	DependencyErrors []ConflictEntry
	FileConflicts    []ConflictEntry
	PatchErrors      []string
}

// Timestamps groups the three timing fields used for expiry and throttling.
type Timestamps struct {
	LastRemoteRefresh  time.Time
	LastScriptPrecheck time.Time
	LastGitHubRefresh  time.Time
}

// Versions groups the installed/stored/remote triple.
type Versions struct {
	Installed version.Version
	Stored    version.Version
	Remote    version.Version
}

// ActionNeeded mirrors the severity aggregated by the sequencer.
type ActionNeeded string

const (
	ActionNeededNone       ActionNeeded = ""
	ActionNeededReboot     ActionNeeded = "RebootNeeded"
	ActionNeededGuiRestart ActionNeeded = "GuiRestartNeeded"
)

// Package is the central entity: a named, optional piece of software this
// daemon tracks, downloads, and installs.
type Package struct {
	Name   string
	Source Source

	Versions     Versions
	Flags        Flags
	ConflictSets ConflictSets
	Timestamps   Timestamps

	// InstallAfterDownload is a one-shot flag: an install was requested
	// while a download was outstanding, and must fire once it completes.
	InstallAfterDownload bool

	// ActionNeeded is set by the installer when the setup program reports a
	// reboot or GUI restart is required (exit codes 123/124).
	ActionNeeded ActionNeeded

	// OneTimeInstall mirrors the ONE_TIME_INSTALL marker file: forces a
	// single install regardless of AutoInstallOk, consumed when honored.
	OneTimeInstall bool
}
