package collector

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collector's own operational Prometheus metrics. These
// describe the ingest process itself and are scraped from the collector's
// /metrics endpoint; the metrics flowing through the pipeline are served by
// the query API instead.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	PointsReceived prometheus.Counter
	PointsDropped  prometheus.Counter
	BufferDepth    prometheus.GaugeFunc
}

// NewMetrics creates and registers the collector's metrics on the default
// registry. bufferDepth reports the current overflow-buffer fill level.
func NewMetrics(namespace string, bufferDepth func() int) *Metrics {
	if namespace == "" {
		namespace = "flowmetry_collector"
	}

	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_requests_total",
				Help:      "Total number of OTLP export requests received",
			},
			[]string{"status"},
		),

		PointsReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "points_received_total",
				Help:      "Total number of metric points decoded from OTLP exports",
			},
		),

		PointsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "points_dropped_total",
				Help:      "Total number of metric points dropped because the overflow buffer was full",
			},
		),

		BufferDepth: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "overflow_buffer_depth",
				Help:      "Current number of metric points held in the overflow buffer",
			},
			func() float64 { return float64(bufferDepth()) },
		),
	}
}

// MetricsHandler returns an Echo handler serving the default registry in
// Prometheus exposition format.
func MetricsHandler() echo.HandlerFunc {
	h := promhttp.Handler()

	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint on an Echo server.
func RegisterMetricsEndpoint(e *echo.Echo, path string) {
	if path == "" {
		path = "/metrics"
	}

	e.GET(path, MetricsHandler())
}
