// Command pkgmand runs the package manager daemon: it loads the JSON
// configuration, wires the registry, bus, and every worker together, then
// blocks on the main sequencer until a lifecycle flag and two quiescent
// ticks end the process.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/daemonforge/pkgmand/addremove"
	"github.com/daemonforge/pkgmand/bus"
	"github.com/daemonforge/pkgmand/cli"
	"github.com/daemonforge/pkgmand/cloudbackup"
	"github.com/daemonforge/pkgmand/compat"
	"github.com/daemonforge/pkgmand/config"
	"github.com/daemonforge/pkgmand/dispatch"
	"github.com/daemonforge/pkgmand/downloader"
	"github.com/daemonforge/pkgmand/fetch"
	"github.com/daemonforge/pkgmand/installer"
	"github.com/daemonforge/pkgmand/lalog"
	"github.com/daemonforge/pkgmand/lock"
	"github.com/daemonforge/pkgmand/media"
	"github.com/daemonforge/pkgmand/metrics"
	"github.com/daemonforge/pkgmand/misc"
	"github.com/daemonforge/pkgmand/queue"
	"github.com/daemonforge/pkgmand/registry"
	"github.com/daemonforge/pkgmand/sequencer"
	"github.com/daemonforge/pkgmand/version"
	"github.com/daemonforge/pkgmand/versionrefresh"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON configuration file")
	flag.Parse()
	if *configPath == "" {
		*configPath = os.Getenv("PKGMAND_CONFIG")
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "pkgmand: -config or PKGMAND_CONFIG is required")
		os.Exit(1)
	}

	logger := lalog.Logger{ComponentName: "pkgmand", ComponentID: []lalog.LoggerIDField{{Key: "pid", Value: os.Getpid()}}}
	misc.ConfigFilePath = *configPath

	conf, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Abort("main", err, "failed to load configuration")
	}
	if conf.AWSRegion != "" {
		os.Setenv("AWS_REGION", conf.AWSRegion)
	}
	misc.EnablePrometheusIntegration = conf.EnablePrometheus
	metrics.Enabled = conf.EnablePrometheus

	propertyBus := bus.NewMemoryBus()
	reg := registry.New(time.Duration(conf.LockTimeoutSec)*time.Second, propertyBus, logger)
	tok := lock.NewToken()

	if err := loadInitialPackages(reg, tok, conf); err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			logger.Warning("main", err, "a duplicate package name was dropped at startup, exiting for the supervisor to restart onto the repaired registry")
			os.Exit(1)
		}
		logger.Abort("main", err, "failed to load the initial package list")
	}

	downloadQueue := queue.New("download", conf.QueueCapacity, logger)
	installQueue := queue.New("install", conf.QueueCapacity, logger)
	addRemoveQueue := queue.New("addremove", conf.QueueCapacity, logger)
	versionRefreshQueue := queue.New("versionrefresh", conf.QueueCapacity, logger)
	mediaQueue := queue.New("media", conf.QueueCapacity, logger)

	m := metrics.New()

	lifecycle := &dispatch.LifecycleFlags{}
	dispatcher := dispatch.New(reg, tok, propertyBus, logger, conf.SelfPackageName,
		downloadQueue, installQueue, addRemoveQueue, versionRefreshQueue)
	dispatcher.Lifecycle = lifecycle
	dispatcher.Metrics = m

	fetchClient := fetch.New(conf.ArchiveBaseURL, conf.PinnedDNSServer)
	platformInfo := compat.PlatformInfo{Platform: conf.Platform, FirmwareVersion: conf.FirmwareVersion}
	lookupInstalled := makeLookupInstalled(reg, tok)

	var uploader *cloudbackup.Uploader
	if conf.BackupS3Bucket != "" {
		uploader, err = cloudbackup.New(conf.BackupS3Bucket, logger.Child(lalog.LoggerIDField{Key: "worker", Value: "cloudbackup"}))
		if err != nil {
			logger.Warning("main", err, "settings backup will not be uploaded to S3")
		}
	}

	refresher := versionrefresh.New(reg, tok, versionRefreshQueue, fetchClient, conf.VersionFetchTimeoutSec,
		conf.RefreshPeriod.Duration(), logger.Child(lalog.LoggerIDField{Key: "worker", Value: "versionrefresh"}))

	downloadWorker := downloader.New(reg, tok, propertyBus, fetchClient,
		logger.Child(lalog.LoggerIDField{Key: "worker", Value: "downloader"}),
		conf.DataDir, conf.SetupOptionsDir, conf.InstalledVersionDir, platformInfo, lookupInstalled,
		conf.ArchiveFetchTimeoutSec, downloadQueue, installQueue)
	downloadWorker.SetMetrics(m)

	installWorker := installer.New(reg, tok, propertyBus,
		logger.Child(lalog.LoggerIDField{Key: "worker", Value: "installer"}),
		conf.DataDir, conf.SetupOptionsDir, conf.InstalledVersionDir, platformInfo, lookupInstalled,
		conf.SelfPackageName, conf.SetupTimeoutSec, lifecycle, installQueue, downloadQueue)
	installWorker.SetMetrics(m)

	addRemoveWorker := addremove.New(reg, tok, logger.Child(lalog.LoggerIDField{Key: "worker", Value: "addremove"}),
		conf.SetupOptionsDir, addRemoveQueue)

	mediaScanner := media.New(conf.MediaRoot, conf.DataDir, conf.SetupOptionsDir, conf.InstalledVersionDir,
		conf.DataDir+"/localBackup", platformInfo, lookupInstalled, reg, tok, propertyBus,
		logger.Child(lalog.LoggerIDField{Key: "worker", Value: "media"}), lifecycle, installQueue, mediaQueue,
		uploader, nil, nil)

	seq := sequencer.New(reg, tok, propertyBus, logger.Child(lalog.LoggerIDField{Key: "worker", Value: "sequencer"}),
		lifecycle, dispatcher, refresher, downloadQueue, installQueue,
		conf.DataDir, conf.SetupOptionsDir, conf.InstalledVersionDir, conf.ReinstallSentinelPath,
		conf.RefreshPeriod.Duration(), platformInfo, lookupInstalled)
	seq.SetMetrics(m)

	if conf.EnablePrometheus {
		if err := m.RegisterGlobally(); err != nil {
			logger.Warning("main", err, "failed to register prometheus collectors")
		} else {
			go serveMetrics(conf.PrometheusListenAddr, &logger)
		}
	}

	cli.HandleDaemonSignals(&logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cli.AutoRestart(&logger, "versionrefresh", func() error { return refresher.Run(ctx) })
	go cli.AutoRestart(&logger, "downloader", func() error { return downloadWorker.Run(ctx) })
	go cli.AutoRestart(&logger, "installer", func() error { return installWorker.Run(ctx) })
	go cli.AutoRestart(&logger, "addremove", func() error { return addRemoveWorker.Run(ctx) })
	go cli.AutoRestart(&logger, "media", func() error { return mediaScanner.Run(ctx) })

	go func() {
		for !cli.RestartRequested {
			time.Sleep(time.Second)
		}
		lifecycle.SetRestartPm()
	}()

	if err := seq.Run(ctx); err != nil {
		logger.Warning("main", err, "main sequencer returned an error")
	}
	cancel()

	if lifecycle.TakeSelfUninstall() {
		logger.Info("main", nil, "performing deferred self-uninstall of %s", conf.SelfPackageName)
		installWorker.UninstallSelf()
	}
}

func serveMetrics(addr string, logger *lalog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warning("metrics", err, "prometheus http handler exited")
	}
}

// makeLookupInstalled adapts the registry into a compat.LookupInstalled
// closure, the dependency-injection seam that lets the compatibility engine
// consult other packages' installed state without importing the registry
// package's lock semantics directly.
func makeLookupInstalled(reg *registry.Registry, tok lock.Token) compat.LookupInstalled {
	return func(name string) (version.Version, bool) {
		pkg, err := reg.Locate(tok, name)
		if err != nil || pkg == nil {
			return version.Version{}, false
		}
		return pkg.Versions.Installed, true
	}
}

// loadInitialPackages parses the default package list (spec.md "one package
// per line, three whitespace-delimited fields") and loads it into the
// registry, treating ErrDuplicateName as the documented self-repair signal
// rather than a fatal error.
func loadInitialPackages(reg *registry.Registry, tok lock.Token, conf *config.Config) error {
	entries, err := parsePackageList(conf.DefaultPackageListPath)
	if err != nil {
		return err
	}
	return reg.LoadInitial(tok, entries)
}

func parsePackageList(path string) ([]struct{ Name, User, Branch string }, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("main: failed to open default package list %q: %w", path, err)
	}
	defer f.Close()

	var entries []struct{ Name, User, Branch string }
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		entries = append(entries, struct{ Name, User, Branch string }{fields[0], fields[1], fields[2]})
	}
	return entries, scanner.Err()
}
