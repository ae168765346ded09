package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusMetrics tracks the progress bus's health. Grounded on
// internal/realtime.RealtimeMetrics, trimmed to what this bus exercises.
type BusMetrics struct {
	SubscribersActive prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter
	BroadcastDuration prometheus.Histogram
}

// NewBusMetrics registers and returns the bus's Prometheus metrics.
func NewBusMetrics(namespace string) *BusMetrics {
	return &BusMetrics{
		SubscribersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers_active",
			Help:      "Current number of active progress event subscribers",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "events_total",
			Help:      "Total number of progress events published, by type",
		}, []string{"type"}),
		EventsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "events_dropped_total",
			Help:      "Total number of progress events dropped because the bus was full",
		}),
		BroadcastDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of one event's broadcast to all subscribers",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
	}
}
