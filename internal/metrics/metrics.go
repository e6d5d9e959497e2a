// Package metrics defines Prometheus metrics for vidseg.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vidseg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidseg_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidseg_errors_total",
			Help: "Total errors by code",
		},
		[]string{"code"},
	)

	PromptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidseg_prompts_total",
			Help: "Prompts sent to the model by kind",
		},
		[]string{"kind"},
	)

	PropagatedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidseg_propagated_frames_total",
			Help: "Frames delivered to propagation consumers",
		},
	)

	StaleStreams = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vidseg_stale_streams_total",
			Help: "Propagation streams stopped by a newer edit",
		},
	)

	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidseg_exports_total",
			Help: "Export requests by outcome",
		},
		[]string{"status"},
	)

	ExportBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidseg_export_archive_bytes",
			Help:    "Size of export archives",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10),
		},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidseg_websocket_connections",
			Help: "Active propagation WebSocket connections",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidseg_active_sessions",
			Help: "1 while a session is loaded",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, ErrorsTotal,
		PromptsTotal, PropagatedFrames, StaleStreams,
		ExportsTotal, ExportBytes,
		WSConnections, ActiveSessions,
	)
}
