package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ProcessedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_processed_messages_total",
			Help: "Number of processed messages per worker",
		},
		[]string{"worker"},
	)

	SkippedDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_skipped_duplicates_total",
			Help: "Number of messages skipped as already processed",
		},
		[]string{"worker"},
	)

	MessageProcessingTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fulfillment_message_processing_seconds",
			Help: "Time taken to process messages",
		},
		[]string{"worker"},
	)

	DLQMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_dlq_messages_total",
			Help: "Number of messages transferred to DLQ",
		},
		[]string{"worker"},
	)

	CacheInvalidationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_cache_invalidation_failures_total",
			Help: "Number of failed cache invalidations (non-critical)",
		},
	)

	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fulfillment_sessions_created_total",
			Help: "Number of sessions created by the worker and the sweep",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		ProcessedMessages,
		SkippedDuplicates,
		MessageProcessingTime,
		DLQMessages,
		CacheInvalidationFailures,
		SessionsCreated,
	)
}
