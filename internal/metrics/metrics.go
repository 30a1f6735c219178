// ABOUTME: Prometheus collectors for the support gateway
// ABOUTME: Registered on the default registry and served by promhttp when metrics are enabled

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "support_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Conversation metrics
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_status_transitions_total",
			Help: "Conversation status transitions",
		},
		[]string{"from", "to"},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_messages_appended_total",
			Help: "Messages appended to conversation logs",
		},
		[]string{"sender"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_queue_depth",
			Help: "Conversations waiting for an agent",
		},
	)

	// Broker metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_connections",
			Help: "Open real-time connections",
		},
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_events_broadcast_total",
			Help: "Events queued for delivery to connections",
		},
		[]string{"type"},
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_connection_evictions_total",
			Help: "Connections removed by the server",
		},
		[]string{"reason"},
	)

	// Liveness metrics
	LivenessCyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_liveness_cycles_skipped_total",
			Help: "Liveness cycles skipped because the previous one was still running",
		},
		[]string{"loop"},
	)

	// Collaborator metrics
	PersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_persist_retries_total",
			Help: "Persistence writes retried after a failure",
		},
	)

	PersistDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_persist_dead_letters_total",
			Help: "Persistence writes given up on after exhausting their retries",
		},
	)

	PersistPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_persist_pending",
			Help: "Persistence writes waiting for retry",
		},
	)

	OutboundDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_outbound_deliveries_total",
			Help: "Outbound channel deliveries by result",
		},
		[]string{"result"},
	)

	InboundDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_inbound_duplicates_total",
			Help: "Inbound webhook deliveries dropped as duplicates",
		},
	)
)
