// Package metrics registers the daemon's Prometheus collectors: registry
// size, per-worker queue depth, per-verb dispatch counts, download/install
// duration histograms, and the aggregate ActionNeeded gauge. Modeled on the
// teacher's NewProcessExplorerMetrics/RegisterGlobally pattern, gated the
// same way by a package-level enable flag.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Enabled gates every method below to a no-op when Prometheus integration is
// turned off, mirroring the teacher's misc.EnablePrometheusIntegration.
var Enabled bool

// Metrics is the collection of program-level Prometheus collectors.
type Metrics struct {
	packageCount       prometheus.Gauge
	queueDepth         *prometheus.GaugeVec
	dispatchCount      *prometheus.CounterVec
	downloadDuration   prometheus.Histogram
	installDuration    prometheus.Histogram
	actionNeededGauge  *prometheus.GaugeVec
}

// New constructs a Metrics value with every collector initialised. It is
// safe to call whether or not Enabled is true; every method checks Enabled
// itself.
func New() *Metrics {
	return &Metrics{
		packageCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgmand_package_count", Help: "Number of packages currently registered.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pkgmand_queue_depth", Help: "Number of items waiting on a worker queue.",
		}, []string{"worker"}),
		dispatchCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgmand_dispatch_total", Help: "Number of dispatched commands by verb.",
		}, []string{"verb"}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "pkgmand_download_duration_seconds", Help: "Wall-clock duration of a package download.",
		}),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "pkgmand_install_duration_seconds", Help: "Wall-clock duration of a setup-program invocation.",
		}),
		actionNeededGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pkgmand_action_needed", Help: "1 if the aggregate ActionNeeded state equals the severity label.",
		}, []string{"severity"}),
	}
}

// RegisterGlobally registers every collector with the default Prometheus
// registry. It is a no-op when Enabled is false.
func (m *Metrics) RegisterGlobally() error {
	if !Enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.packageCount, m.queueDepth, m.dispatchCount, m.downloadDuration, m.installDuration, m.actionNeededGauge,
	} {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// SetPackageCount records the current registry size.
func (m *Metrics) SetPackageCount(n int) {
	if !Enabled {
		return
	}
	m.packageCount.Set(float64(n))
}

// SetQueueDepth records one worker queue's current backlog.
func (m *Metrics) SetQueueDepth(worker string, depth int) {
	if !Enabled {
		return
	}
	m.queueDepth.WithLabelValues(worker).Set(float64(depth))
}

// IncDispatch counts one dispatched command for verb.
func (m *Metrics) IncDispatch(verb string) {
	if !Enabled {
		return
	}
	m.dispatchCount.WithLabelValues(verb).Inc()
}

// ObserveDownloadSeconds records one completed download's duration.
func (m *Metrics) ObserveDownloadSeconds(seconds float64) {
	if !Enabled {
		return
	}
	m.downloadDuration.Observe(seconds)
}

// ObserveInstallSeconds records one completed setup-program invocation's
// duration.
func (m *Metrics) ObserveInstallSeconds(seconds float64) {
	if !Enabled {
		return
	}
	m.installDuration.Observe(seconds)
}

// SetActionNeeded sets severity's gauge to 1 and every other known severity
// to 0, mirroring a single-valued enum on a label-keyed gauge.
func (m *Metrics) SetActionNeeded(severity string) {
	if !Enabled {
		return
	}
	for _, s := range []string{"", "GuiRestartNeeded", "RebootNeeded"} {
		value := 0.0
		if s == severity {
			value = 1.0
		}
		m.actionNeededGauge.WithLabelValues(s).Set(value)
	}
}
