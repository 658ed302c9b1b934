package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	togglesTotal          *prometheus.CounterVec
	counterFailuresTotal  *prometheus.CounterVec
	realtimeRetriesTotal  *prometheus.CounterVec
	realtimeChannelsGauge prometheus.Gauge
	realtimeEventsTotal   *prometheus.CounterVec
	reactionsTotal        *prometheus.CounterVec
	noticesTotal          *prometheus.CounterVec
	sseClientsGauge       prometheus.Gauge
	uploadRequestsTotal   *prometheus.CounterVec
	uploadRejectedTotal   *prometheus.CounterVec
	uploadLatency         prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors exactly once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polymath_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		togglesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_interaction_toggles_total",
			Help: "Like and bookmark toggles by outcome.",
		}, []string{"kind", "result"})

		counterFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_counter_rpc_failures_total",
			Help: "Counter procedure calls that failed and were dropped.",
		}, []string{"function", "table"})

		realtimeRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_realtime_retries_total",
			Help: "Realtime channel reconnect attempts by triggering status.",
		}, []string{"table", "status"})

		realtimeChannelsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polymath_realtime_channels_active",
			Help: "Realtime channels currently open.",
		})

		realtimeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_realtime_events_total",
			Help: "Realtime change events dispatched by table and type.",
		}, []string{"table", "type"})

		reactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_chat_reactions_total",
			Help: "Chat reaction mutations by action and result.",
		}, []string{"action", "result"})

		noticesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_notices_total",
			Help: "User notices emitted by code.",
		}, []string{"code"})

		sseClientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polymath_sse_clients_active",
			Help: "Active notice stream clients.",
		})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_upload_requests_total",
			Help: "Stored uploads by detected type.",
		}, []string{"type"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polymath_upload_rejected_total",
			Help: "Rejected uploads by reason.",
		}, []string{"reason"})

		uploadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polymath_upload_latency_seconds",
			Help:    "Upload processing latency.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			togglesTotal,
			counterFailuresTotal,
			realtimeRetriesTotal,
			realtimeChannelsGauge,
			realtimeEventsTotal,
			reactionsTotal,
			noticesTotal,
			sseClientsGauge,
			uploadRequestsTotal,
			uploadRejectedTotal,
			uploadLatency,
		)
	})
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// InteractionToggles exposes the toggle outcome counter.
func InteractionToggles() *prometheus.CounterVec {
	RegisterMetrics()
	return togglesTotal
}

// CounterRPCFailures exposes the dropped counter call counter.
func CounterRPCFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return counterFailuresTotal
}

// RealtimeRetries exposes the reconnect counter.
func RealtimeRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeRetriesTotal
}

// RealtimeChannelsActive exposes the open channel gauge.
func RealtimeChannelsActive() prometheus.Gauge {
	RegisterMetrics()
	return realtimeChannelsGauge
}

// RealtimeEvents exposes the dispatched event counter.
func RealtimeEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsTotal
}

// ChatReactions exposes the reaction mutation counter.
func ChatReactions() *prometheus.CounterVec {
	RegisterMetrics()
	return reactionsTotal
}

// Notices exposes the notice counter.
func Notices() *prometheus.CounterVec {
	RegisterMetrics()
	return noticesTotal
}

// SSEClientsActive exposes the SSE client gauge.
func SSEClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return sseClientsGauge
}

// UploadRequests exposes the stored upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatency
}
