package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Compose Metrics
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_messages_sent_total",
		Help: "Total number of messages sent by kind (new, reply, forward)",
	}, []string{"kind"})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_send_failures_total",
		Help: "Total number of failed sends by reason",
	}, []string{"reason"})

	// Thread Metrics
	ThreadsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmail_threads_resolved_total",
		Help: "Total number of threads resolved",
	})

	ThreadSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webmail_thread_size",
		Help:    "Number of messages in resolved threads",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
	})

	// Mailbox Metrics
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_mutations_total",
		Help: "Total message mutations by operation and result",
	}, []string{"op", "result"})

	OpenViews = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webmail_open_views",
		Help: "Number of open mailbox views by folder",
	}, []string{"folder"})

	// Store Metrics
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webmail_active_subscriptions",
		Help: "Number of live store subscriptions",
	})

	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_snapshots_total",
		Help: "Total snapshots delivered to live subscriptions by collection",
	}, []string{"collection"})

	StoreChangesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmail_store_changes_dropped_total",
		Help: "Total change notifications dropped because the hub was full",
	})

	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_feed_events_total",
		Help: "Total change feed events by direction (published, received)",
	}, []string{"direction"})

	// Authentication Metrics
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_auth_attempts_total",
		Help: "Total authentication attempts",
	}, []string{"result"})

	// HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_http_requests_total",
		Help: "Total HTTP API requests by route and status code",
	}, []string{"route", "code"})

	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webmail_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webmail_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordSend records a send attempt for the given draft kind
func RecordSend(kind string, err error, reason string) {
	if err != nil {
		SendFailures.WithLabelValues(reason).Inc()
		return
	}
	MessagesSent.WithLabelValues(kind).Inc()
}

// RecordThread records a resolved thread and its size
func RecordThread(size int) {
	ThreadsResolved.Inc()
	ThreadSize.Observe(float64(size))
}

// RecordMutation records a star, read or delete write
func RecordMutation(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	Mutations.WithLabelValues(op, result).Inc()
}

// RecordAuth records an authentication attempt
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
