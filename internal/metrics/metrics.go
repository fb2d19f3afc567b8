// Package metrics provides Prometheus instrumentation for AgentMux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentmux_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_active_sessions",
		Help: "Number of session actors resident on this gateway.",
	})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_active_subscribers",
		Help: "Number of attached subscribers across all sessions.",
	})

	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_events_appended_total",
		Help: "Total number of events appended to session logs.",
	}, []string{"direction"})

	SlowSubscribersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_slow_subscribers_total",
		Help: "Total number of subscribers dropped for falling behind.",
	})

	LeaseRenewalFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_lease_renewal_failures_total",
		Help: "Total number of lease renewals that failed (possible ownership loss).",
	})
)

// Persistence metrics.
var (
	PersistBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_persist_batches_total",
		Help: "Total number of event batches written to the store.",
	})

	PersistRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_persist_retries_total",
		Help: "Total number of batch write retries.",
	})

	PersistQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_persist_queue_depth",
		Help: "Number of events buffered in the persistence writer.",
	})

	PersistPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_persist_paused",
		Help: "1 when the persistence writer is paused after exhausting retries.",
	})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})
)

// Cleanup metrics.
var (
	CleanupSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_cleanup_sweeps_total",
		Help: "Total number of cleanup passes completed.",
	})

	CleanupReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_cleanup_reaped_total",
		Help: "Total number of sessions or events reaped, by reason.",
	}, []string{"reason"})
)
