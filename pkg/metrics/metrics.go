// Package metrics exposes Prometheus counters and gauges for the bundling
// pipeline's stages: how many items and bundles move through each worker,
// and how long the gateway calls they depend on take.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics.
	DataItemsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_data_items_ingested_total",
			Help: "Total number of data items accepted into new_data_item",
		},
	)

	DataItemsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_data_items_rejected_total",
			Help: "Total number of data items rejected by reason",
		},
		[]string{"reason"},
	)

	// Plan worker (C5) metrics.
	PlansCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_plans_created_total",
			Help: "Total number of bundle plans packed",
		},
	)

	PlanPackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_plan_pack_duration_seconds",
			Help:    "Time taken to pack eligible data items into plans",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanItemsPerPlan = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_plan_items_per_plan",
			Help:    "Number of data items packed into each plan",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// Prepare worker (C6) metrics.
	BundlesPreparedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_bundles_prepared_total",
			Help: "Total number of bundles assembled and signed",
		},
	)

	PlansRevertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_plans_reverted_total",
			Help: "Total number of plans reverted to new_data_item below the minimum item floor",
		},
	)

	PrepareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_prepare_duration_seconds",
			Help:    "Time taken to assemble, sign and persist one bundle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Post worker (C7) metrics.
	BundlesPostedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_bundles_posted_total",
			Help: "Total number of post attempts by outcome",
		},
		[]string{"outcome"}, // posted, insufficient_funds, rejected
	)

	PostDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_post_duration_seconds",
			Help:    "Time taken to submit a bundle tx header to the gateway",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Seed worker (C8) metrics.
	BundlesSeededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_bundles_seeded_total",
			Help: "Total number of bundle payloads fully chunk-uploaded",
		},
	)

	SeedDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_seed_duration_seconds",
			Help:    "Time taken to upload one bundle payload in chunks",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Verify worker (C9) metrics.
	VerifyPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_verify_poll_duration_seconds",
			Help:    "Time taken for one verify pass over all due seeded bundles",
			Buckets: prometheus.DefBuckets,
		},
	)

	BundlesFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_bundles_finalized_total",
			Help: "Total number of bundles finalized by outcome",
		},
		[]string{"outcome"}, // permanent, partial_repack, dropped
	)

	DataItemsRepackedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_data_items_repacked_total",
			Help: "Total number of data items rerouted back to new_data_item after a losing bundle",
		},
	)

	// Gateway adapter (C3) metrics.
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bundler_gateway_request_duration_seconds",
			Help:    "Gateway call duration in seconds by call name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	GatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_gateway_retries_total",
			Help: "Total number of gateway call retries by call name",
		},
		[]string{"call"},
	)

	// Queue dispatcher (C10) metrics.
	QueueMessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_queue_messages_processed_total",
			Help: "Total number of dequeued messages by queue and outcome",
		},
		[]string{"queue", "outcome"}, // acked, retried, dead_lettered
	)
)

func init() {
	prometheus.MustRegister(
		DataItemsIngestedTotal,
		DataItemsRejectedTotal,
		PlansCreatedTotal,
		PlanPackDuration,
		PlanItemsPerPlan,
		BundlesPreparedTotal,
		PlansRevertedTotal,
		PrepareDuration,
		BundlesPostedTotal,
		PostDuration,
		BundlesSeededTotal,
		SeedDuration,
		VerifyPollDuration,
		BundlesFinalizedTotal,
		DataItemsRepackedTotal,
		GatewayRequestDuration,
		GatewayRetriesTotal,
		QueueMessagesProcessedTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for later recording against a
// histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
