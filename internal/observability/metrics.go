package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "grid_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the conversion pipeline.
type Metrics struct {
	StepsProcessed  prometheus.Counter
	StepsFailed     *prometheus.CounterVec // labels: reason={structural,retries_exhausted,error}
	Retries         prometheus.Counter
	PipelineRunning prometheus.Gauge
	JobsCompleted   *prometheus.CounterVec // labels: outcome={ok,partial,failed}

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Container metrics.
	StoreBytesWritten  prometheus.Counter
	StoreWriteDuration prometheus.Histogram
	StoreConflicts     prometheus.Counter

	// Zone mask cache lookups.
	MaskCache *prometheus.CounterVec // labels: result={hit,miss}
}

func newMetrics() *Metrics {
	return &Metrics{
		StepsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_processed_total",
			Help:      "Total time steps written to the output container.",
		}),
		StepsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_failed_total",
			Help:      "Time steps recorded as failed, by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries of source or container calls after a timeout.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "Number of jobs currently running.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Completed jobs by outcome.",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of time steps per batch.",
			Buckets:   []float64{1, 6, 12, 24, 48, 96, 168},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete read-transform-write cycle for one batch.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		StoreBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_bytes_written_total",
			Help:      "Bytes appended to output containers.",
		}),
		StoreWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_write_duration_seconds",
			Help:      "Duration of a record write including merge and sync.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Writes rejected because a newer version was stored.",
		}),
		MaskCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mask_cache_total",
			Help:      "Zone mask cache lookups by result.",
		}, []string{"result"}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()

	prometheus.MustRegister(
		m.StepsProcessed,
		m.StepsFailed,
		m.Retries,
		m.PipelineRunning,
		m.JobsCompleted,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.StoreBytesWritten,
		m.StoreWriteDuration,
		m.StoreConflicts,
		m.MaskCache,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// ObserveMaskLookup records a zone mask cache hit or miss. It matches the
// callback shape of zonal.MaskCache.OnLookup.
func (m *Metrics) ObserveMaskLookup(hit bool) {
	if hit {
		m.MaskCache.WithLabelValues("hit").Inc()
		return
	}
	m.MaskCache.WithLabelValues("miss").Inc()
}
