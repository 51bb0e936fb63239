// Package metrics provides Prometheus metrics for the ingestion gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all gateway metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// GatewayMetrics holds all Prometheus metrics for a gateway instance.
type GatewayMetrics struct {
	// Front-end counters
	SessionsAccepted  prometheus.Counter
	SessionsRejected  prometheus.Counter // rejected for lack of storage headroom
	MessagesReceived  prometheus.Counter
	MessageErrors     prometheus.Counter
	HTTPItemsReceived prometheus.Counter
	HTTPItemErrors    prometheus.Counter

	// Pipeline counters
	FilesStaged     prometheus.Counter
	BytesStaged     prometheus.Counter
	Uploads         prometheus.Counter
	UploadFailures  prometheus.Counter
	PayloadsFlushed prometheus.Counter
	PayloadsFailed  prometheus.Counter
	FilesReclaimed  prometheus.Counter
	BytesReclaimed  prometheus.Counter

	// Gauges
	ActiveSessions prometheus.Gauge
	OpenPayloads   prometheus.Gauge
	UploadQueue    prometheus.Gauge
	AvailableSpace prometheus.Gauge
}

// New initializes all gateway metrics on the shared registry.
func New() *GatewayMetrics {
	return NewWith(Registry)
}

// NewWith initializes all gateway metrics on the given registry. Tests use
// a private registry to avoid duplicate registration across cases.
func NewWith(reg prometheus.Registerer) *GatewayMetrics {
	return &GatewayMetrics{
		SessionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_sessions_accepted_total",
			Help: "Total MLLP sessions accepted",
		}),
		SessionsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_sessions_rejected_total",
			Help: "Total MLLP sessions rejected due to low storage headroom",
		}),
		MessagesReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_messages_received_total",
			Help: "Total framed messages decoded from MLLP sessions",
		}),
		MessageErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_message_errors_total",
			Help: "Total MLLP decode or transport errors",
		}),
		HTTPItemsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_http_items_received_total",
			Help: "Total items accepted over the HTTP bulk-ingest endpoint",
		}),
		HTTPItemErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_http_item_errors_total",
			Help: "Total per-item failures on the HTTP bulk-ingest endpoint",
		}),
		FilesStaged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_files_staged_total",
			Help: "Total files written to local staging storage",
		}),
		BytesStaged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_bytes_staged_total",
			Help: "Total bytes written to local staging storage",
		}),
		Uploads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_uploads_total",
			Help: "Total staged files durably uploaded to object storage",
		}),
		UploadFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_upload_failures_total",
			Help: "Total staged files that exhausted the upload retry budget",
		}),
		PayloadsFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_payloads_flushed_total",
			Help: "Total payloads handed off to the downstream notifier",
		}),
		PayloadsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_payloads_failed_total",
			Help: "Total payloads that exhausted the notification retry budget",
		}),
		FilesReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_files_reclaimed_total",
			Help: "Total staged files deleted after their lifecycle completed",
		}),
		BytesReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clinigate_bytes_reclaimed_total",
			Help: "Total local bytes reclaimed",
		}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "clinigate_active_sessions",
			Help: "Number of active MLLP sessions",
		}),
		OpenPayloads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "clinigate_open_payloads",
			Help: "Number of payloads currently accepting files",
		}),
		UploadQueue: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "clinigate_upload_queue_depth",
			Help: "Number of staged files waiting for upload",
		}),
		AvailableSpace: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "clinigate_available_space_bytes",
			Help: "Staging volume headroom above the configured reserve",
		}),
	}
}
