package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *HTTPMetrics
	metricsOnce   sync.Once
)

// HTTPMetrics holds the request metrics of the API server.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	responseSize   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics creates and registers the HTTP metrics once per process.
func NewHTTPMetrics() *HTTPMetrics {
	metricsOnce.Do(func() {
		globalMetrics = &HTTPMetrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codebundle_http_requests_total",
					Help: "Total HTTP requests by method, endpoint and status",
				},
				[]string{"method", "endpoint", "status"},
			),
			requestDur: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "codebundle_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
				},
				[]string{"method", "endpoint"},
			),
			responseSize: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "codebundle_http_response_size_bytes",
					Help:    "HTTP response body size in bytes",
					Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
				},
				[]string{"method", "endpoint"},
			),
			activeRequests: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "codebundle_http_active_requests",
					Help: "Number of in-flight HTTP requests",
				},
			),
		}
	})
	return globalMetrics
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			endpoint := normalizePath(c.Path())
			method := c.Request().Method

			m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
			m.requestDur.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			m.responseSize.WithLabelValues(method, endpoint).Observe(float64(c.Response().Size))
			return err
		}
	}
}

// Handler returns the Prometheus scrape handler.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// normalizePath keeps metric cardinality bounded. All routes are fixed, so
// only unmatched requests need folding.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
