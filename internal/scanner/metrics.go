package scanner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for workspace scans.
type Metrics struct {
	ScansTotal    *prometheus.CounterVec
	ScanDuration  prometheus.Histogram
	FilesFound    prometheus.Counter
	IgnoreRules   prometheus.Counter
	SymlinkCycles prometheus.Counter
}

// NewMetrics creates and registers scan metrics once per process.
//
// Metrics:
//   - codebundle_scans_total{status} - completed scans by "success" or "error"
//   - codebundle_scan_duration_seconds - wall time of a scan
//   - codebundle_scan_files_total - eligible files found
//   - codebundle_ignore_rules_loaded_total - ignore files parsed during scans
//   - codebundle_symlink_cycles_total - directories skipped as already visited
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ScansTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codebundle_scans_total",
					Help: "Total number of workspace scans",
				},
				[]string{"status"},
			),
			ScanDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "codebundle_scan_duration_seconds",
					Help:    "Workspace scan duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			FilesFound: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_scan_files_total",
					Help: "Total number of eligible files found by scans",
				},
			),
			IgnoreRules: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_ignore_rules_loaded_total",
					Help: "Total number of ignore files parsed during scans",
				},
			),
			SymlinkCycles: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_symlink_cycles_total",
					Help: "Total number of directories skipped because they were already visited",
				},
			),
		}
	})

	return globalMetrics
}

func (m *Metrics) scanned(files int, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ScansTotal.WithLabelValues(status).Inc()
	m.ScanDuration.Observe(d.Seconds())
	if err == nil {
		m.FilesFound.Add(float64(files))
	}
}

func (m *Metrics) rules(n int) {
	if m == nil {
		return
	}
	m.IgnoreRules.Add(float64(n))
}

func (m *Metrics) cycle() {
	if m == nil {
		return
	}
	m.SymlinkCycles.Inc()
}
