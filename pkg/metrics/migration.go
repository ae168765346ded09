package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MigrationMetrics tracks the domain-level progress of account migrations:
// phase transitions, blob/repository transfer volume, and local store
// watermark. All metrics are namespaced under migrate_engine_migration_*.
type MigrationMetrics struct {
	RunsTotal           *prometheus.CounterVec   // outcome: success|failure
	PhaseDurationSecond *prometheus.HistogramVec // phase, outcome
	BlobsUploadedTotal  prometheus.Counter
	BlobsFailedTotal    prometheus.Counter
	BytesStoredTotal    prometheus.Counter
	BytesUploadedTotal  prometheus.Counter
	StoreWatermarkBytes prometheus.Gauge
	ActiveRunsGauge     prometheus.Gauge
}

// NewMigrationMetrics registers and returns the migration domain metrics.
func NewMigrationMetrics(namespace string) *MigrationMetrics {
	return &MigrationMetrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "runs_total",
				Help:      "Total number of migration runs by final outcome",
			},
			[]string{"outcome"},
		),
		PhaseDurationSecond: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "phase_duration_seconds",
				Help:      "Duration of each migration phase",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"phase", "outcome"},
		),
		BlobsUploadedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "blobs_uploaded_total",
			Help:      "Total number of blobs successfully uploaded to the target PDS",
		}),
		BlobsFailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "blobs_failed_total",
			Help:      "Total number of blob uploads that failed after retry exhaustion",
		}),
		BytesStoredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "bytes_stored_total",
			Help:      "Total bytes written to the local store",
		}),
		BytesUploadedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes uploaded to the target PDS",
		}),
		StoreWatermarkBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "store_watermark_bytes",
			Help:      "Current size of the local store's in-memory buffer",
		}),
		ActiveRunsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "active_runs",
			Help:      "Number of migration runs currently in progress",
		}),
	}
}

// RecordRun records the final outcome of one migration run.
func (m *MigrationMetrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// RecordPhase records the duration of one completed phase.
func (m *MigrationMetrics) RecordPhase(phase, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDurationSecond.WithLabelValues(phase, outcome).Observe(seconds)
}
