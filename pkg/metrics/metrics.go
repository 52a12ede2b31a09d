// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration on the agent surface.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SendAttemptsTotal tracks delivery attempts of outbound frames.
	SendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_send_attempts_total",
			Help: "Outbound frame delivery attempts",
		},
		[]string{"action", "result"},
	)

	// SendsAbandonedTotal tracks sends that exhausted their retry budget.
	SendsAbandonedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_abandoned_total",
			Help: "Sends abandoned after the retry bound",
		},
		[]string{"conversation_type"},
	)

	// UploadsTotal tracks attachment uploads.
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_uploads_total",
			Help: "Attachment uploads by result",
		},
		[]string{"result"},
	)

	// CoalescedFlushesTotal tracks coalesced metadata writes.
	CoalescedFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_coalesced_flushes_total",
			Help: "Coalesced metadata writes by result",
		},
		[]string{"result"},
	)

	// CoalescedPayloads tracks how many payloads each coalesced write folded together.
	CoalescedPayloads = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_coalesced_payloads",
			Help:    "Payloads merged into a single metadata write",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
		},
	)

	// CacheLookupsTotal tracks TTL cache reads.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_lookups_total",
			Help: "TTL cache lookups by result",
		},
		[]string{"backend", "result"},
	)

	// ReconciledTotal tracks optimistic records replaced by their server copy.
	ReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconciled_total",
			Help: "Optimistic messages reconciled with a server copy",
		},
	)

	// InboundFramesTotal tracks frames received from the transport.
	InboundFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_inbound_frames_total",
			Help: "Inbound transport frames by action",
		},
		[]string{"action"},
	)

	// HistoryFetchDuration tracks history fetch latency.
	HistoryFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_history_fetch_duration_seconds",
			Help:    "History fetch duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// StreamConnections tracks open change-stream subscribers.
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_stream_connections",
			Help: "Open SSE change-stream connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSendAttempt records one delivery attempt.
func RecordSendAttempt(action, result string) {
	SendAttemptsTotal.WithLabelValues(action, result).Inc()
}

// RecordFlush records a coalesced write and the number of payloads it carried.
func RecordFlush(result string, payloads int) {
	CoalescedFlushesTotal.WithLabelValues(result).Inc()
	CoalescedPayloads.Observe(float64(payloads))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(backend, result).Inc()
}

// IncrementStreamConnections increments the stream connection gauge.
func IncrementStreamConnections() {
	StreamConnections.Inc()
}

// DecrementStreamConnections decrements the stream connection gauge.
func DecrementStreamConnections() {
	StreamConnections.Dec()
}
