package bus

import "fmt"

// Persistent settings namespace (spec.md §6).
const (
	SettingsCount               = "settings::/Settings/PackageManager/Count"
	SettingsGitHubAutoDownload  = "settings::/Settings/PackageManager/GitHubAutoDownload"
	SettingsAutoInstall         = "settings::/Settings/PackageManager/AutoInstall"
)

// SettingsPackageName, SettingsGitHubUser, and SettingsGitHubBranch address
// the persisted per-index package source coordinates.
func SettingsPackageName(i int) string  { return fmt.Sprintf("settings::/Settings/PackageManager/%d/PackageName", i) }
func SettingsGitHubUser(i int) string   { return fmt.Sprintf("settings::/Settings/PackageManager/%d/GitHubUser", i) }
func SettingsGitHubBranch(i int) string { return fmt.Sprintf("settings::/Settings/PackageManager/%d/GitHubBranch", i) }

// Volatile service namespace (spec.md §6).
const (
	ServicePmStatus                     = "service::PmStatus"
	ServiceGuiEditAction                = "service::GuiEditAction"
	ServiceGuiEditStatus                = "service::GuiEditStatus"
	ServiceMediaUpdateStatus            = "service::MediaUpdateStatus"
	ServicePlatform                     = "service::Platform"
	ServiceActionNeeded                 = "service::ActionNeeded"
	ServiceDefaultCount                 = "service::DefaultCount"
	ServiceBackupMediaAvailable         = "service::BackupMediaAvailable"
	ServiceBackupSettingsFileExist      = "service::BackupSettingsFileExist"
	ServiceBackupSettingsLocalFileExist = "service::BackupSettingsLocalFileExist"
	ServiceBackupProgress               = "service::BackupProgress"
)

// Per-index volatile package status (service::Package/n/...).
func ServicePackageGitHubVersion(i int) string {
	return fmt.Sprintf("service::Package/%d/GitHubVersion", i)
}
func ServicePackagePackageVersion(i int) string {
	return fmt.Sprintf("service::Package/%d/PackageVersion", i)
}
func ServicePackageInstalledVersion(i int) string {
	return fmt.Sprintf("service::Package/%d/InstalledVersion", i)
}
func ServicePackageIncompatible(i int) string {
	return fmt.Sprintf("service::Package/%d/Incompatible", i)
}
func ServicePackageIncompatibleDetails(i int) string {
	return fmt.Sprintf("service::Package/%d/IncompatibleDetails", i)
}
func ServicePackageIncompatibleResolvable(i int) string {
	return fmt.Sprintf("service::Package/%d/IncompatibleResolvable", i)
}

// Per-index default-package-list entries (service::Default/m/...).
func ServiceDefaultPackageName(m int) string  { return fmt.Sprintf("service::Default/%d/PackageName", m) }
func ServiceDefaultGitHubUser(m int) string   { return fmt.Sprintf("service::Default/%d/GitHubUser", m) }
func ServiceDefaultGitHubBranch(m int) string { return fmt.Sprintf("service::Default/%d/GitHubBranch", m) }

// ActionNeeded values (spec.md §4.8 step 4: reboot > guiRestart > "").
const (
	ActionNeededNone        = ""
	ActionNeededReboot      = "RebootNeeded"
	ActionNeededGuiRestart  = "GuiRestartNeeded"
)

// BackupProgress codes, spec.md §4.7.
const (
	BackupProgressIdle           = 0
	BackupProgressBackupMedia    = 1
	BackupProgressRestoreMedia   = 2
	BackupProgressBackupMediaRun = 3
	BackupProgressRestoreMediaRun = 4
	BackupProgressBackupLocal    = 21
	BackupProgressRestoreLocal   = 22
	BackupProgressBackupLocalRun = 23
	BackupProgressRestoreLocalRun = 24
)
