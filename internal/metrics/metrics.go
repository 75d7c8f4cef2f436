// Fleetsync - Bidirectional User-State Replication for Media Server Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetsync

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the replication pipeline:
// - Webhook ingest throughput and rejections
// - Pending-event queue depth by state
// - Sync outcomes (applied / skipped / retried / failed)
// - Node API latency, failures, and circuit breaker state
// - HTTP endpoint latency and throughput

var (
	// Webhook / ingest metrics
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total webhook deliveries by source node and result",
		},
		[]string{"node", "result"}, // result: "accepted", "malformed", "unknown_source"
	)

	IngestIntents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_intents_total",
			Help: "Total replication intents enqueued, by event type",
		},
		[]string{"event_type"},
	)

	IngestDebounceDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_debounce_drops_total",
			Help: "Progress notifications dropped inside the debounce window",
		},
	)

	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pending_events_depth",
			Help: "Current pending-event rows by state",
		},
		[]string{"state"}, // "pending", "processing", "waiting_item"
	)

	// Worker / sync outcome metrics
	SyncApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_applies_total",
			Help: "Total mutations applied to target nodes",
		},
		[]string{"event_type", "target_node"},
	)

	SyncSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_skips_total",
			Help: "Total events finalized without a mutation",
		},
		[]string{"reason"}, // "already_set", "target_newer", "cooldown", "dry_run", ...
	)

	SyncRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_retries_total",
			Help: "Total events rescheduled after a transient failure",
		},
	)

	SyncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_failures_total",
			Help: "Total events terminally failed, by error kind",
		},
		[]string{"error_kind"}, // "no_matching_user", "item_absent", "permanent", ...
	)

	WorkerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_tick_duration_seconds",
			Help:    "Duration of one worker lease-and-drain tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	// Node API metrics
	NodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_requests_total",
			Help: "Total node API calls by node, operation, and result",
		},
		[]string{"node", "operation", "result"}, // result: "success", "failure"
	)

	NodeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "node_request_duration_seconds",
			Help:    "Node API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "operation"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of in-flight HTTP API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"endpoint"},
	)
)

// RecordAPIRequest records one served HTTP request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight HTTP requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordNodeRequest records one node API call with its latency and result.
func RecordNodeRequest(node, operation string, duration time.Duration, err error) {
	NodeRequestDuration.WithLabelValues(node, operation).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	NodeRequests.WithLabelValues(node, operation, result).Inc()
}

// UpdateQueueDepth publishes the per-state pending-event counts.
func UpdateQueueDepth(pending, processing, waitingItem int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("processing").Set(float64(processing))
	QueueDepth.WithLabelValues("waiting_item").Set(float64(waitingItem))
}
