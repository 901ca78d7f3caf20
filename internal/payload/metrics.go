package payload

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for payload assembly and chunking.
type Metrics struct {
	PayloadsTotal  *prometheus.CounterVec
	ChunksTotal    prometheus.Counter
	PayloadBytes   prometheus.Histogram
	FilesAssembled prometheus.Counter
	AssemblyErrors prometheus.Counter
}

// NewMetrics creates and registers payload metrics once per process.
//
// Metrics:
//   - codebundle_payloads_total{shape} - payloads sized, by "unchunked" or "chunked"
//   - codebundle_payload_chunks_total - chunks produced by packing
//   - codebundle_payload_bytes - serialized payload size before chunking
//   - codebundle_files_assembled_total - files read into payload items
//   - codebundle_assembly_errors_total - failed assembly calls
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PayloadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codebundle_payloads_total",
					Help: "Total number of payloads sized",
				},
				[]string{"shape"},
			),
			ChunksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_payload_chunks_total",
					Help: "Total number of chunks produced by packing",
				},
			),
			PayloadBytes: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "codebundle_payload_bytes",
					Help:    "Serialized payload size in bytes before chunking",
					Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to ~256MiB
				},
			),
			FilesAssembled: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_files_assembled_total",
					Help: "Total number of files read into payload items",
				},
			),
			AssemblyErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codebundle_assembly_errors_total",
					Help: "Total number of failed assembly calls",
				},
			),
		}
	})

	return globalMetrics
}

func (m *Metrics) observe(chunked bool, chunks int, size int64) {
	if m == nil {
		return
	}
	shape := "unchunked"
	if chunked {
		shape = "chunked"
		m.ChunksTotal.Add(float64(chunks))
	}
	m.PayloadsTotal.WithLabelValues(shape).Inc()
	m.PayloadBytes.Observe(float64(size))
}

func (m *Metrics) assembled(n int) {
	if m == nil {
		return
	}
	m.FilesAssembled.Add(float64(n))
}

func (m *Metrics) assemblyFailed() {
	if m == nil {
		return
	}
	m.AssemblyErrors.Inc()
}
