package dotations

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	operations       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	gates            *prometheus.CounterVec
	envelopeNotFound *prometheus.CounterVec
	batchFailures    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsl",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total number of engine operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gsl",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations, lock wait included.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"operation"},
		),
		gates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsl",
				Subsystem: "engine",
				Name:      "notification_gates_total",
				Help:      "Projects settled or reopened by the notification gate.",
			},
			[]string{"gate"},
		),
		envelopeNotFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gsl",
				Subsystem: "engine",
				Name:      "envelope_not_found_total",
				Help:      "Decisions that found no root envelope to charge.",
			},
			[]string{"instrument"},
		),
		batchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "gsl",
				Subsystem: "batch",
				Name:      "project_failures_total",
				Help:      "Projects that failed during batch recompute.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.gates, m.envelopeNotFound, m.batchFailures)
	}
	return m
}

// observe records one operation. It is nil-safe so tests can omit metrics.
func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) gate(name string) {
	if m != nil {
		m.gates.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) missingEnvelope(instrument string) {
	if m != nil {
		m.envelopeNotFound.WithLabelValues(instrument).Inc()
	}
}

func (m *Metrics) batchFailure() {
	if m != nil {
		m.batchFailures.Inc()
	}
}
