// Package metrics holds the Prometheus collectors of the check-in pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rollcall"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CheckIns      *prometheus.CounterVec
	Drained       *prometheus.CounterVec
	DrainDuration prometheus.Histogram
	QueueLength   prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkins_total",
			Help:      "Check-in submissions by method and outcome.",
		}, []string{"method", "outcome"}),
		Drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_envelopes_total",
			Help:      "Envelopes handled by the batch worker by outcome.",
		}, []string{"outcome"}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of drain cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Last observed backlog of the write-buffer queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CheckIns, m.Drained, m.DrainDuration, m.QueueLength)
	}
	return m
}

// CheckIn counts a gateway decision.
func (m *Metrics) CheckIn(method, outcome string) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(method, outcome).Inc()
}

// Drain records the outcome tally and duration of one drain cycle.
func (m *Metrics) Drain(persisted, duplicates, errors int, seconds float64) {
	if m == nil {
		return
	}
	m.Drained.WithLabelValues("persisted").Add(float64(persisted))
	m.Drained.WithLabelValues("duplicate").Add(float64(duplicates))
	m.Drained.WithLabelValues("error").Add(float64(errors))
	m.DrainDuration.Observe(seconds)
}

// Queue records the backlog length.
func (m *Metrics) Queue(length int64) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(length))
}
