package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_size_bytes",
			Help:    "HTTP request size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "endpoint"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_ingest_events_total",
			Help: "Total number of events received by the producer endpoint",
		},
		[]string{"status"}, // status: accepted, rejected, duplicate, failed
	)

	// Evaluator metrics
	EvaluatorMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_evaluator_messages_total",
			Help: "Messages evaluated, by terminal state and path",
		},
		[]string{"state", "poison"},
	)

	EvaluatorBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluator_batch_size",
			Help:    "Number of messages per delivered batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	EvaluatorBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_evaluator_batch_duration_seconds",
			Help:    "Time taken to evaluate one batch",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	RuleFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_rule_fetch_duration_seconds",
			Help:    "Time taken to fetch enabled rules for one event",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	RuleCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_cache_total",
			Help: "Rule cache lookups",
		},
		[]string{"result"}, // result: hit, miss, error
	)

	AlertsPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_persisted_total",
			Help: "Alerts written to the alert store",
		},
		[]string{"result"}, // result: inserted, duplicate, failed
	)

	// DeadLetterTotal is the operational alarm source for quarantined messages.
	DeadLetterTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_dead_letter_total",
			Help: "Messages forwarded to the dead-letter sink",
		},
		[]string{"reason"},
	)

	RedeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_redeliveries_total",
			Help: "Messages handed back to the broker for redelivery",
		},
		[]string{"backend"},
	)

	// Worker metrics
	WorkerBatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_worker_batch_flush_duration_seconds",
			Help:    "Time taken to flush a batch to its handler",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Retention
	RetentionPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_retention_purged_alerts_total",
			Help: "Expired alerts removed by the retention job",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
