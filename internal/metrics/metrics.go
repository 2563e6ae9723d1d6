package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convosync_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// EventsReceived counts inbound change signals by source.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_events_received_total",
			Help: "Change notifications received, by source",
		},
		[]string{"source"},
	)

	// EventsFailed counts change signals whose processing failed, by error class.
	EventsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_events_failed_total",
			Help: "Change notifications that failed processing",
		},
		[]string{"source", "class"},
	)

	// Reconciled counts reconciliation outcomes: created, duplicate or failed.
	Reconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_messages_reconciled_total",
			Help: "Reconciliation outcomes",
		},
		[]string{"outcome"},
	)

	// SyncRuns counts history sync passes by result.
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_sync_runs_total",
			Help: "Incremental history sync passes",
		},
		[]string{"kind", "result"},
	)

	// SubscriptionState is 1 for the current state of each push subscription.
	SubscriptionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convosync_subscription_state",
			Help: "Current push subscription state",
		},
		[]string{"subscription", "state"},
	)

	// ThreadNodes observes how many nodes one thread traversal produced.
	ThreadNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convosync_thread_nodes",
		Help:    "Nodes resolved per thread",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// RetryQueued counts events parked in the durable retry queue.
	RetryQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_retry_queue_events_total",
			Help: "Retry queue transitions",
		},
		[]string{"result"},
	)

	// OutboxPublished counts outbox publication attempts by result.
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convosync_outbox_published_total",
			Help: "Outbox publication attempts",
		},
		[]string{"result"},
	)
)

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
