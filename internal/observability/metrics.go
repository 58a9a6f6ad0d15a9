package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "damage_engine"

// Metrics holds the Prometheus counters, histograms, and gauges for the damage engine.
type Metrics struct {
	ProductsConsumed prometheus.Counter
	TagsConsumed     prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Stream batch metrics.
	BatchSize               *prometheus.HistogramVec // labels: stream={products,tags}
	BatchProcessingDuration *prometheus.HistogramVec // labels: stream={products,tags}

	// Per-footprint pipeline metrics.
	FootprintFailures    *prometheus.CounterVec // labels: stage={ingest,consensus,classify,commit,publish}, reason
	AssessmentsCommitted prometheus.Counter
	AssessmentsProduced  prometheus.Counter
	CommitRetries        prometheus.Counter
	Coverage             prometheus.Histogram
	Confidence           prometheus.Histogram
	Grades               *prometheus.CounterVec // labels: grade
	Flags                *prometheus.CounterVec // labels: flag

	// Reclassification sweep metrics.
	SweepDuration   prometheus.Histogram
	SweepFootprints *prometheus.CounterVec // labels: outcome={assessed,skipped,failed}

	// Region resolution metrics.
	RegionLookups     *prometheus.CounterVec // labels: outcome={success,error,empty}
	RegionCache       *prometheus.CounterVec // labels: result={hit,miss}
	RegionAPIDuration prometheus.Histogram
	RegionEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ProductsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "products_consumed_total",
			Help:      "Total change-detection products read from the products topic.",
		}),
		TagsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_consumed_total",
			Help:      "Total volunteer tags accepted from any source.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the stream loops are active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of messages per batch extracted from Kafka.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}, []string{"stream"}),
		BatchProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete batch cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"stream"}),
		FootprintFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "footprint_failures_total",
			Help:      "Per-footprint failures by pipeline stage and reason.",
		}, []string{"stage", "reason"}),
		AssessmentsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_committed_total",
			Help:      "Total assessment versions committed to the store.",
		}),
		AssessmentsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_produced_total",
			Help:      "Total assessments published to the assessments topic.",
		}),
		CommitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Commits retried after a version allocation conflict.",
		}),
		Coverage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_coverage_ratio",
			Help:      "Valid pixel coverage of ingested signal vectors.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		Confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assessment_confidence",
			Help:      "Confidence of committed assessments.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		Grades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessment_grades_total",
			Help:      "Committed assessments by damage grade.",
		}, []string{"grade"}),
		Flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessment_flags_total",
			Help:      "Suppression and conflict flags raised on committed assessments.",
		}, []string{"flag"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a reclassification sweep.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		SweepFootprints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_footprints_total",
			Help:      "Footprints visited by reclassification sweeps by outcome.",
		}, []string{"outcome"}),
		RegionLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_lookups_total",
			Help:      "Reverse geocoding requests by outcome.",
		}, []string{"outcome"}),
		RegionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_cache_total",
			Help:      "Region cache lookups by result.",
		}, []string{"result"}),
		RegionAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "region_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		RegionEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_resolver_enabled",
			Help:      "1 when reverse-geocoded region resolution is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ProductsConsumed,
		m.TagsConsumed,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.FootprintFailures,
		m.AssessmentsCommitted,
		m.AssessmentsProduced,
		m.CommitRetries,
		m.Coverage,
		m.Confidence,
		m.Grades,
		m.Flags,
		m.SweepDuration,
		m.SweepFootprints,
		m.RegionLookups,
		m.RegionCache,
		m.RegionAPIDuration,
		m.RegionEnabled,
	}
}
