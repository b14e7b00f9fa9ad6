// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

var (
	// ScansTotal counts scan outcomes. mode is "single" or "bulk"; code is
	// empty for accepted scans.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scan outcomes by mode, result and rejection code",
		},
		[]string{"mode", "result", "code"},
	)

	ScansFlagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_flagged_total",
			Help:      "Accepted bulk scans flagged for clock drift",
		},
	)

	AppendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkin_append_retries_total",
			Help:      "Conditional appends retried after a concurrent write",
		},
	)

	BulkBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_batch_items",
			Help:      "Number of items per bulk submission",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	BulkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_duration_seconds",
			Help:      "Wall time spent reconciling one bulk submission",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// CacheLookups counts direction cache lookups by result: hit, miss or error.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direction_cache_lookups_total",
			Help:      "Direction cache lookups by result",
		},
		[]string{"result"},
	)

	CacheDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direction_cache_divergence_total",
			Help:      "Cached direction disagreed with the durable store",
		},
	)

	StatsRecomputes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_stats_recomputes_total",
			Help:      "Presence stats recomputed from the store",
		},
	)

	// BroadcastDropped counts messages lost by reason: queue_full,
	// publish_error, breaker_open, encode_error, stats_error, closed or
	// shutdown.
	BroadcastDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast messages dropped",
		},
		[]string{"reason"},
	)

	BroadcastPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_published_total",
			Help:      "Broadcast messages published by message type",
		},
		[]string{"type"},
	)

	BroadcastQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_queue_depth",
			Help:      "Messages waiting in the broadcast queue",
		},
	)

	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_write_tx_duration_seconds",
			Help:      "Duration of transactions run by the single-writer worker",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	DBQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_write_queue_depth",
			Help:      "Write jobs waiting for the single-writer worker",
		},
	)

	HeartbeatsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_pruned_total",
			Help:      "Heartbeat rows removed by retention pruning",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordScan counts one scan outcome.
func RecordScan(mode string, ok bool, code string) {
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	ScansTotal.WithLabelValues(mode, result, code).Inc()
}
