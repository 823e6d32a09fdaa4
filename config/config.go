// Package config decodes the daemon's JSON configuration file, the way the
// teacher's launcher package decodes its own top-level Config, and fills in
// defaults so the rest of the program can trust every field is populated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RefreshPeriod selects how often the version refresher completes a full
// background scan pass, per spec's three user-selectable modes.
type RefreshPeriod int

const (
	RefreshNormal RefreshPeriod = iota // 10 minutes
	RefreshHourly
	RefreshDaily
)

// Duration returns the wall-clock period corresponding to the refresh mode.
func (r RefreshPeriod) Duration() time.Duration {
	switch r {
	case RefreshHourly:
		return time.Hour
	case RefreshDaily:
		return 24 * time.Hour
	default:
		return 10 * time.Minute
	}
}

// Config is the JSON-decoded configuration of the package manager daemon.
type Config struct {
	// DataDir is the root of per-package storage, "<data>" throughout the
	// design: DataDir/<name>/ holds each package's extracted tree.
	DataDir string `json:"DataDir"`

	// DefaultPackageListPath names a text file, one package per line
	// ("name user branch"), describing the packages present out of the box.
	DefaultPackageListPath string `json:"DefaultPackageListPath"`

	// SetupOptionsDir holds the per-package persistent flag directories
	// (DO_NOT_AUTO_ADD, DO_NOT_AUTO_INSTALL, FORCE_REMOVE, optionsSet).
	SetupOptionsDir string `json:"SetupOptionsDir"`

	// InstalledVersionDir holds the /etc/venus/installedVersion-<name>
	// marker files.
	InstalledVersionDir string `json:"InstalledVersionDir"`

	// ReinstallSentinelPath is the boot-time mass-reinstall marker,
	// /etc/venus/REINSTALL_PACKAGES by default.
	ReinstallSentinelPath string `json:"ReinstallSentinelPath"`

	// MediaRoot is the parent directory scanned for removable drives,
	// "/media" by default.
	MediaRoot string `json:"MediaRoot"`

	// ArchiveBaseURL is the template host for remote version and archive
	// fetches: "<base>/<user>/<name>/...".
	ArchiveBaseURL string `json:"ArchiveBaseURL"`

	// SelfPackageName is the package that contains this very process; its
	// uninstall must be deferred until after the main loop exits.
	SelfPackageName string `json:"SelfPackageName"`

	// Platform identifies the running appliance's platform string, compared
	// against each package's raspberryPiOnly gate.
	Platform string `json:"Platform"`

	// FirmwareVersion is the currently running firmware's version string.
	FirmwareVersion string `json:"FirmwareVersion"`

	// RefreshPeriod selects the version refresher's full-pass cadence.
	RefreshPeriod RefreshPeriod `json:"RefreshPeriod"`

	// VersionFetchTimeoutSec bounds the version-text HTTP GET, 10s default.
	VersionFetchTimeoutSec int `json:"VersionFetchTimeoutSec"`
	// ArchiveFetchTimeoutSec bounds the archive download, 120s default.
	ArchiveFetchTimeoutSec int `json:"ArchiveFetchTimeoutSec"`
	// SetupTimeoutSec bounds a setup-program invocation.
	SetupTimeoutSec int `json:"SetupTimeoutSec"`

	// PinnedDNSServer is the resolver (host:port) that fetch.Client's
	// ResolvePinned queries directly. Remote-version and archive requests do
	// not consult it; they resolve host names through the system resolver.
	PinnedDNSServer string `json:"PinnedDNSServer"`

	// BackupS3Bucket, when set, additionally uploads a successful settings
	// backup archive to this S3 bucket.
	BackupS3Bucket string `json:"BackupS3Bucket"`
	// AWSRegion is passed to the S3 client when BackupS3Bucket is set.
	AWSRegion string `json:"AWSRegion"`

	// EnablePrometheus turns on metrics registration and serving.
	EnablePrometheus bool `json:"EnablePrometheus"`
	// PrometheusListenAddr is the address the metrics HTTP handler binds to.
	PrometheusListenAddr string `json:"PrometheusListenAddr"`

	// QueueCapacity bounds every worker's command channel.
	QueueCapacity int `json:"QueueCapacity"`

	// LockTimeoutSec bounds acquisition of the registry's global lock.
	LockTimeoutSec int `json:"LockTimeoutSec"`
}

// LoadFromFile reads and decodes the JSON configuration file at path, then
// fills in defaults and validates it.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %q: %w", path, err)
	}
	conf := &Config{}
	if err := json.Unmarshal(raw, conf); err != nil {
		return nil, fmt.Errorf("config: failed to parse %q: %w", path, err)
	}
	if err := conf.Initialise(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Initialise fills in default values for all unset fields and validates the
// few that have no sensible default. It never panics; hard failures come
// back as an error.
func (conf *Config) Initialise() error {
	if conf.DataDir == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	if conf.SetupOptionsDir == "" {
		conf.SetupOptionsDir = conf.DataDir + "/setupOptions"
	}
	if conf.InstalledVersionDir == "" {
		conf.InstalledVersionDir = "/etc/venus"
	}
	if conf.ReinstallSentinelPath == "" {
		conf.ReinstallSentinelPath = "/etc/venus/REINSTALL_PACKAGES"
	}
	if conf.MediaRoot == "" {
		conf.MediaRoot = "/media"
	}
	if conf.ArchiveBaseURL == "" {
		return fmt.Errorf("config: ArchiveBaseURL must be set")
	}
	if conf.SelfPackageName == "" {
		conf.SelfPackageName = "SetupHelper"
	}
	if conf.VersionFetchTimeoutSec <= 0 {
		conf.VersionFetchTimeoutSec = 10
	}
	if conf.ArchiveFetchTimeoutSec <= 0 {
		conf.ArchiveFetchTimeoutSec = 120
	}
	if conf.SetupTimeoutSec <= 0 {
		conf.SetupTimeoutSec = 600
	}
	if conf.QueueCapacity <= 0 {
		conf.QueueCapacity = 32
	}
	if conf.LockTimeoutSec <= 0 {
		conf.LockTimeoutSec = 5
	}
	if conf.PrometheusListenAddr == "" {
		conf.PrometheusListenAddr = "127.0.0.1:9101"
	}
	return nil
}
