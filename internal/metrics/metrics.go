// Package metrics carries the gateway's observability: Prometheus counters
// for the pipeline and an in-process timing tracker that watches per-stream
// inter-arrival gaps, ingest lag, and sequence ordering.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingest pipeline.
type Metrics struct {
	// Intake
	ObservationsTotal *prometheus.CounterVec // transport, result: accepted|rejected|duplicate|rate_limited|unknown_sensor
	BatchFlushSize    prometheus.Histogram

	// Classification
	ClassificationsTotal *prometheus.CounterVec // class: ALERT|WARNING|ML_PREDICTION
	PipelineDuration     *prometheus.HistogramVec

	// Resilience
	DLQDepth      prometheus.Gauge
	DLQTotal      *prometheus.CounterVec // outcome: added|requeued|archived|resolved
	BreakerState  *prometheus.GaugeVec   // name; 0=closed 1=open 2=half_open
	RetriesTotal  *prometheus.CounterVec // operation
	RateLimited   *prometheus.CounterVec // scope
	DedupDropped  prometheus.Counter
	BrokerDropped prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ObservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_observations_total",
				Help: "Observations received, by transport and outcome",
			},
			[]string{"transport", "result"},
		),
		BatchFlushSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_batch_flush_size",
				Help:    "Readings written per batch flush",
				Buckets: []float64{1, 10, 25, 50, 100, 250, 500},
			},
		),
		ClassificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_classifications_total",
				Help: "Classification outcomes",
			},
			[]string{"class"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_pipeline_duration_seconds",
				Help:    "Time spent per pipeline stage",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		DLQDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_dlq_depth",
				Help: "Entries currently in the dead letter queue",
			},
		),
		DLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_dlq_total",
				Help: "Dead letter queue events by outcome",
			},
			[]string{"outcome"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Retry attempts by operation",
			},
			[]string{"operation"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by scope",
			},
			[]string{"scope"},
		),
		DedupDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_dedup_dropped_total",
				Help: "Observations dropped as duplicates",
			},
		),
		BrokerDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_broker_dropped_total",
				Help: "Readings dropped by broker throttling or backpressure",
			},
		),
	}
}
