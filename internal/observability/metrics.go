package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	apiRequestsTotal     *prometheus.CounterVec
	apiLatencySeconds    *prometheus.HistogramVec
	apiErrorsTotal       *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	storeWritesTotal     *prometheus.CounterVec
	snapshotsTotal       *prometheus.CounterVec
	snapshotSkippedTotal *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	typingSignalsTotal   *prometheus.CounterVec
	messagesSentTotal    *prometheus.CounterVec
	uploadsTotal         *prometheus.CounterVec
	uploadLatency        prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the gateway.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livechat_sessions_active",
			Help: "Number of open reconciliation sessions.",
		})

		storeWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_store_writes_total",
			Help: "Writes applied to the live store by operation.",
		}, []string{"op"})

		snapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_snapshots_total",
			Help: "Snapshots delivered to sessions by subtree kind.",
		}, []string{"kind"})

		snapshotSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_snapshot_skipped_total",
			Help: "Malformed snapshot entries skipped while decoding.",
		}, []string{"kind"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_notifications_total",
			Help: "Notification reconciliation outcomes.",
		}, []string{"outcome"})

		typingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_typing_signals_total",
			Help: "Typing presence transitions written to the store.",
		}, []string{"state"})

		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_messages_sent_total",
			Help: "Messages written by type.",
		}, []string{"type"})

		uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_uploads_total",
			Help: "Image uploads by outcome.",
		}, []string{"outcome"})

		uploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livechat_upload_latency_seconds",
			Help:    "Latency of image uploads.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			sessionsActive, storeWritesTotal, snapshotsTotal, snapshotSkippedTotal,
			notificationsTotal, typingSignalsTotal, messagesSentTotal,
			uploadsTotal, uploadLatency,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

func SessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return sessionsActive
}

func StoreWrites() *prometheus.CounterVec {
	RegisterMetrics()
	return storeWritesTotal
}

func Snapshots() *prometheus.CounterVec {
	RegisterMetrics()
	return snapshotsTotal
}

func SnapshotSkipped() *prometheus.CounterVec {
	RegisterMetrics()
	return snapshotSkippedTotal
}

func Notifications() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

func TypingSignals() *prometheus.CounterVec {
	RegisterMetrics()
	return typingSignalsTotal
}

func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

func Uploads() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadsTotal
}

func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatency
}
