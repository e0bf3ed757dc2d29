package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Trigger consumption latency (ms)
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_mq_consume_latency_ms",
			Help:    "AMQP message handling latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "queue"},
	)

	ClassifierCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_classifier_call_latency_ms",
			Help:    "Classifier call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10),
		},
		[]string{"operation", "status"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// outcome: synced, no_changes, locked, inactive, auth_failed, fetch_failed, batch_failed, lock_error, panic
	AccountRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_account_runs_total",
			Help: "Per-account sync task outcomes",
		},
		[]string{"outcome"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_cycle_duration_seconds",
			Help:    "Wall time of a sync cycle until all tasks finished or the wait timed out",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"trigger"},
	)

	// outcome: classified, unmatched, quota_fallback, error_fallback, duplicate, skipped, failed
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_items_processed_total",
			Help: "Items handled by the batch processor",
		},
		[]string{"outcome"},
	)

	// trigger: proactive, unauthorized; result: success, reauth_required, failed
	TokenRefresh = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_token_refresh_total",
			Help: "Access token refresh attempts",
		},
		[]string{"trigger", "result"},
	)

	// result: acquired, contended, error
	LockAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_lock_acquire_total",
			Help: "Lease acquisition attempts",
		},
		[]string{"result"},
	)

	LockPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_lock_expired_purged_total",
			Help: "Expired leases removed by cleanup",
		},
	)

	// action: delete, unsubscribe; status: SUCCESS, FAILED, NOT_FOUND, ...
	BulkActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_bulk_actions_total",
			Help: "Per-item results of bulk delete and unsubscribe",
		},
		[]string{"action", "status"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbox_events_total",
			Help: "Outbox events by publish result",
		},
		[]string{"routing_key", "result"},
	)
)

func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func RecordClassifierCallLatency(operation, status string, duration time.Duration) {
	ClassifierCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery is called by the pgx tracer with a truncated statement.
func IncrementSlowQuery(statement string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(statement).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func IncrementAccountRun(outcome string) {
	AccountRuns.WithLabelValues(outcome).Inc()
}

func RecordCycleDuration(trigger string, duration time.Duration) {
	CycleDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

func IncrementItemProcessed(outcome string) {
	ItemsProcessed.WithLabelValues(outcome).Inc()
}

func IncrementTokenRefresh(trigger, result string) {
	TokenRefresh.WithLabelValues(trigger, result).Inc()
}

func IncrementLockAcquire(result string) {
	LockAcquire.WithLabelValues(result).Inc()
}

func AddLockPurged(n int64) {
	if n > 0 {
		LockPurged.Add(float64(n))
	}
}

func IncrementBulkAction(action, status string) {
	BulkActions.WithLabelValues(action, status).Inc()
}

func IncrementOutbox(routingKey, result string) {
	OutboxPublished.WithLabelValues(routingKey, result).Inc()
}
