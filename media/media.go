// Package media implements the media scanner: it polls for newly inserted
// removable drives, swaps in any accepted package archives found on them,
// honors their marker files, and drives the settings backup/restore
// choreography against removable media or the local data partition.
package media

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daemonforge/pkgmand/archive"
	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/cloudbackup"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/platform"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/version"
)

const pollInterval = 5 * time.Second

// acceptedSuffixes are the archive suffixes the scanner treats as a package
// transfer, per spec.md §4.7.
var acceptedSuffixes = map[string]bool{
	"current": true, "latest": true, "main": true, "test": true,
	"debug": true, "beta": true, "install": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

const (
	markerAutoInstall   = "AUTO_INSTALL_PACKAGES"
	markerAutoRestore   = "SETTINGS_AUTO_RESTORE"
	markerAutoUninstall = "AUTO_UNINSTALL_PACKAGES"
	markerAutoEject     = "AUTO_EJECT"
	markerInitializePm  = "INITIALIZE_PACKAGE_MANAGER"

	localBackupFileName = "package-manager-settings-backup"
)

// SettingsSerializer and SettingsRestorer are the hooks into the settings
// store the backup/restore choreography moves bytes to and from; the actual
// persistence mechanism lives on the other side of the property bus and is
// out of this module's scope.
type SettingsSerializer func() ([]byte, error)
type SettingsRestorer func([]byte) error

// Scanner drives removable-media package transfers and settings backup.
type Scanner struct {
	root            string
	dataDir         string
	setupOptionsDir string
	installedVerDir string
	localBackupDir  string
	platform        compat.PlatformInfo
	lookupInstalled compat.LookupInstalled

	reg       *registry.Registry
	tok       lock.Token
	propBus   bus.Bus
	logger    lalog.Logger
	lifecycle *dispatch.LifecycleFlags

	installQueue *queue.Queue
	incoming     *queue.Queue // this worker's own Stop channel

	uploader *cloudbackup.Uploader

	serializeSettings SettingsSerializer
	restoreSettings   SettingsRestorer

	seenDrives map[string]bool
}

// New returns a media Scanner.
func New(root, dataDir, setupOptionsDir, installedVerDir, localBackupDir string, platformInfo compat.PlatformInfo,
	lookupInstalled compat.LookupInstalled, reg *registry.Registry, tok lock.Token, propBus bus.Bus, logger lalog.Logger,
	lifecycle *dispatch.LifecycleFlags, installQueue, incoming *queue.Queue, uploader *cloudbackup.Uploader,
	serialize SettingsSerializer, restore SettingsRestorer) *Scanner {
	return &Scanner{
		root: root, dataDir: dataDir, setupOptionsDir: setupOptionsDir, installedVerDir: installedVerDir,
		localBackupDir: localBackupDir, platform: platformInfo, lookupInstalled: lookupInstalled,
		reg: reg, tok: tok, propBus: propBus, logger: logger, lifecycle: lifecycle,
		installQueue: installQueue, incoming: incoming, uploader: uploader,
		serializeSettings: serialize, restoreSettings: restore,
		seenDrives: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled or a Stop item arrives on the scanner's
// own queue.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.incoming.Chan():
			if _, ok := item.(queue.Stop); ok {
				return nil
			}
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Scanner) pollOnce() {
	s.checkBackupProgress()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		present[e.Name()] = true
		if !s.seenDrives[e.Name()] {
			s.handleNewDrive(filepath.Join(s.root, e.Name()))
		}
	}
	s.seenDrives = present
}

// handleNewDrive processes a removable drive seen for the first time since
// insertion: package archive transfers, then its marker files.
func (s *Scanner) handleNewDrive(drivePath string) {
	entries, err := os.ReadDir(drivePath)
	if err != nil {
		s.logger.Warning(drivePath, err, "failed to list removable drive")
		return
	}

	autoInstall := fileExists(filepath.Join(drivePath, markerAutoInstall))
	var transferred []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := matchArchiveName(e.Name())
		if !ok {
			continue
		}
		if s.transferArchive(drivePath, e.Name(), name) {
			transferred = append(transferred, name)
		}
	}
	if autoInstall {
		for _, name := range transferred {
			s.markOneTimeInstall(name)
		}
	}

	if fileExists(filepath.Join(drivePath, markerAutoUninstall)) {
		s.handleAutoUninstall(drivePath)
	}
	if fileExists(filepath.Join(drivePath, markerInitializePm)) {
		s.lifecycle.SetInitializePm()
	}
	if fileExists(filepath.Join(drivePath, markerAutoRestore)) {
		s.restoreFrom(drivePath)
	}
	if fileExists(filepath.Join(drivePath, markerAutoEject)) {
		s.eject(drivePath)
	}
}

// matchArchiveName reports whether fileName is "<name>-<suffix>.tar.gz" for
// an accepted suffix, returning name if so.
func matchArchiveName(fileName string) (name string, ok bool) {
	const ext = ".tar.gz"
	if !strings.HasSuffix(fileName, ext) {
		return "", false
	}
	base := strings.TrimSuffix(fileName, ext)
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return "", false
	}
	suffix := base[idx+1:]
	if !acceptedSuffixes[suffix] {
		return "", false
	}
	return base[:idx], true
}

// transferArchive extracts the archive and swaps it into place if its
// version differs from what is already stored. It returns whether a swap
// happened.
func (s *Scanner) transferArchive(drivePath, fileName, name string) bool {
	pkg, err := s.reg.Locate(s.tok, name)
	if err != nil || pkg == nil {
		s.logger.Warning(name, nil, "ignoring archive for unregistered package")
		return false
	}

	f, err := os.Open(filepath.Join(drivePath, fileName))
	if err != nil {
		s.logger.Warning(name, err, "failed to open removable archive")
		return false
	}
	defer f.Close()

	workDir, err := os.MkdirTemp(s.dataDir, name+".media-*")
	if err != nil {
		s.logger.Warning(name, err, "failed to create working directory for removable archive")
		return false
	}
	defer os.RemoveAll(workDir)

	if err := archive.ExtractTarGz(f, workDir); err != nil {
		s.logger.Warning(name, err, "failed to extract removable archive")
		return false
	}
	pkgDir, err := archive.FindPackageDir(workDir)
	if err != nil {
		s.logger.Warning(name, err, "failed to locate package directory in removable archive")
		return false
	}

	archiveVersion := readVersionFile(filepath.Join(pkgDir, "version"))
	if archiveVersion.Num() == pkg.Versions.Stored.Num() {
		return false
	}

	if err := s.swapIntoPlace(name, pkgDir); err != nil {
		s.logger.Warning(name, err, "failed to swap removable archive into place")
		return false
	}
	if reevalErr := compat.UpdateVersionsAndFlags(pkg, s.dataDir, s.setupOptionsDir, s.installedVerDir, s.platform, s.lookupInstalled); reevalErr != nil {
		s.logger.Warning(name, reevalErr, "failed to re-evaluate compatibility after media transfer")
	}
	if idx, err := s.reg.IndexOf(s.tok, name); err == nil && idx >= 0 {
		_ = s.reg.PublishVersions(s.tok, idx)
	}
	return true
}

// swapIntoPlace mirrors the downloader's rename-aside-then-move-in pattern.
func (s *Scanner) swapIntoPlace(name, pkgDir string) error {
	if err := s.reg.Acquire(s.tok); err != nil {
		return err
	}
	defer s.reg.Release(s.tok)

	dest := filepath.Join(s.dataDir, name)
	asideName := dest + ".previous"
	_ = os.RemoveAll(asideName)
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, asideName); err != nil {
			return err
		}
	}
	if err := os.Rename(pkgDir, dest); err != nil {
		if _, statErr := os.Stat(asideName); statErr == nil {
			_ = os.Rename(asideName, dest)
		}
		return err
	}
	_ = os.RemoveAll(asideName)
	return nil
}

func (s *Scanner) markOneTimeInstall(name string) {
	pkg, err := s.reg.Locate(s.tok, name)
	if err != nil || pkg == nil {
		return
	}
	if err := s.reg.Acquire(s.tok); err != nil {
		return
	}
	pkg.OneTimeInstall = true
	s.reg.Release(s.tok)
}

func (s *Scanner) handleAutoUninstall(drivePath string) {
	data, err := os.ReadFile(filepath.Join(drivePath, markerAutoUninstall))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		s.installQueue.Push(dispatch.InstallItem{Name: name, Action: dispatch.ActionUninstall, Source: dispatch.SourceTransfer})
	}
}

func (s *Scanner) eject(drivePath string) {
	if _, err := platform.InvokeProgram(nil, 30, "umount", drivePath); err != nil {
		s.logger.Warning(drivePath, err, "failed to unmount removable drive for AUTO_EJECT")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readVersionFile(path string) version.Version {
	data, err := os.ReadFile(path)
	if err != nil {
		return version.Version{}
	}
	return version.Parse(strings.TrimSpace(string(data)))
}

// checkBackupProgress reads the numeric progress code from the bus and
// drives the corresponding backup/restore action, per spec.md §4.7.
func (s *Scanner) checkBackupProgress() {
	v, ok := s.propBus.Get(bus.ServiceBackupProgress)
	if !ok {
		return
	}
	code := int(v.Int)
	switch code {
	case bus.BackupProgressBackupMedia:
		s.runBackup(bus.BackupProgressBackupMediaRun, s.firstDrivePath())
	case bus.BackupProgressRestoreMedia:
		s.runRestore(bus.BackupProgressRestoreMediaRun, s.firstDrivePath())
	case bus.BackupProgressBackupLocal:
		s.runBackup(bus.BackupProgressBackupLocalRun, s.localBackupDir)
	case bus.BackupProgressRestoreLocal:
		s.runRestore(bus.BackupProgressRestoreLocalRun, s.localBackupDir)
	}
}

func (s *Scanner) firstDrivePath() string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(s.root, e.Name())
		}
	}
	return ""
}

func (s *Scanner) runBackup(runningCode int, destDir string) {
	if destDir == "" {
		s.logger.Warning("backup", nil, "no destination available for settings backup")
		s.setProgress(bus.BackupProgressIdle)
		return
	}
	_ = s.propBus.Set(bus.ServiceBackupProgress, bus.IntValue(int64(runningCode)))

	if s.serializeSettings == nil {
		s.logger.Warning("backup", nil, "no settings serializer configured")
		s.setProgress(bus.BackupProgressIdle)
		return
	}
	payload, err := s.serializeSettings()
	if err != nil {
		s.logger.Warning("backup", err, "failed to serialize settings")
		s.setProgress(bus.BackupProgressIdle)
		return
	}

	destPath := filepath.Join(destDir, localBackupFileName+".gz")
	if err := writeGzip(destPath, payload); err != nil {
		s.logger.Warning("backup", err, "failed to write settings backup file")
		s.setProgress(bus.BackupProgressIdle)
		return
	}

	if s.uploader != nil {
		if err := s.uploader.UploadSettingsFile(context.Background(), "pkgmand", destPath); err != nil {
			s.logger.Warning("backup", err, "settings backup uploaded locally but S3 upload failed")
		}
	}
	s.setProgress(bus.BackupProgressIdle)
}

func (s *Scanner) runRestore(runningCode int, srcDir string) {
	if srcDir == "" {
		s.setProgress(bus.BackupProgressIdle)
		return
	}
	_ = s.propBus.Set(bus.ServiceBackupProgress, bus.IntValue(int64(runningCode)))

	srcPath := filepath.Join(srcDir, localBackupFileName+".gz")
	payload, err := readGzip(srcPath)
	if err != nil {
		s.logger.Warning("restore", err, "failed to read settings backup file")
		s.setProgress(bus.BackupProgressIdle)
		return
	}
	if s.restoreSettings != nil {
		if err := s.restoreSettings(payload); err != nil {
			s.logger.Warning("restore", err, "failed to restore settings")
		}
	}
	s.setProgress(bus.BackupProgressIdle)
}

func (s *Scanner) restoreFrom(drivePath string) {
	s.runRestore(bus.BackupProgressRestoreMediaRun, drivePath)
}

func (s *Scanner) setProgress(code int) {
	_ = s.propBus.Set(bus.ServiceBackupProgress, bus.IntValue(int64(code)))
}

func writeGzip(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := gz.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
