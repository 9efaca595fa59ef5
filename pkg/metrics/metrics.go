// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestionEventsTotal tracks ingestion events by source and acknowledgment status
	IngestionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "events_total",
			Help:      "Total number of ingestion events by source and status",
		},
		[]string{"source", "status"},
	)

	// IngestionDuration tracks the time to capture and upsert one event
	IngestionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "duration_seconds",
			Help:      "Duration of ingestion in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"source"},
	)

	// ChannelWarningsTotal tracks channels dropped by the normalizer
	ChannelWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "normalizer",
			Name:      "dropped_channels_total",
			Help:      "Total number of invalid channels dropped during normalization",
		},
		[]string{"field"},
	)

	// CandidatesScoredTotal tracks candidate pairs scored, split by outcome
	CandidatesScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "matching",
			Name:      "candidates_scored_total",
			Help:      "Total number of candidate pairs scored by outcome",
		},
		[]string{"outcome"},
	)

	// RefreshDuration tracks candidate refresh duration
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "matching",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of candidate refreshes in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// DecisionsTotal tracks merge decisions by decision and actor kind
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "decisions_total",
			Help:      "Total number of merge decisions",
		},
		[]string{"decision", "actor_kind"},
	)

	// ConflictsTotal tracks rejected writes by conflict reason
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "concurrency",
			Name:      "conflicts_total",
			Help:      "Total number of writes rejected with a conflict",
		},
		[]string{"reason"},
	)

	// DLQEventsTotal tracks events sent to the dead letter queue
	DLQEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "events_total",
			Help:      "Total number of ingestion events sent to the dead letter queue",
		},
		[]string{"source", "reason"},
	)

	// RateLimitHits tracks webhook requests refused by the rate limiter
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"source"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// ReceiptsPrunedTotal tracks webhook receipts removed by the pruner
	ReceiptsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "receipts_pruned_total",
			Help:      "Total number of webhook receipts pruned",
		},
	)
)

// RecordIngestion records one ingestion outcome
func RecordIngestion(source, status string, durationSeconds float64) {
	IngestionEventsTotal.WithLabelValues(source, status).Inc()
	IngestionDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordDecision records a merge decision
func RecordDecision(decision, actorKind string) {
	DecisionsTotal.WithLabelValues(decision, actorKind).Inc()
}

// RecordConflict records a rejected write
func RecordConflict(reason string) {
	ConflictsTotal.WithLabelValues(reason).Inc()
}

// RecordDLQEvent records a dead lettered event
func RecordDLQEvent(source, reason string) {
	DLQEventsTotal.WithLabelValues(source, reason).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
