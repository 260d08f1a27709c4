package middleware

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission outcomes and the reasons behind them.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeBypassed = "bypassed"

	ReasonValid      = "valid"
	ReasonLegacy     = "legacy"
	ReasonHealth     = "health"
	ReasonDocs       = "docs"
	ReasonMissing    = "missing"
	ReasonInvalid    = "invalid"
	ReasonRevoked    = "revoked"
	ReasonExpired    = "expired"
	ReasonStoreError = "store_error"
)

// Metrics holds Prometheus metrics for the admission gate. Each instance owns
// its registry so tests and multiple servers never collide.
type Metrics struct {
	admissionTotal    *prometheus.CounterVec
	admissionDuration *prometheus.HistogramVec
	usageErrors       prometheus.Counter
	registry          *prometheus.Registry
}

// NewMetrics creates and registers the gate metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keygate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "requests_total",
			Help:      "Total number of admission decisions",
		},
		[]string{"outcome", "reason"},
	)

	m.admissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Time spent deciding admission in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"outcome"},
	)

	m.usageErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "usage_record_errors_total",
			Help:      "Total number of accepted requests whose usage could not be recorded",
		},
	)

	m.registry.MustRegister(
		m.admissionTotal,
		m.admissionDuration,
		m.usageErrors,
	)
	m.init()

	return m
}

// init pre-creates the label combinations so series appear at startup.
func (m *Metrics) init() {
	pairs := map[string][]string{
		OutcomeAccepted: {ReasonValid, ReasonLegacy},
		OutcomeBypassed: {ReasonHealth, ReasonDocs},
		OutcomeRejected: {ReasonMissing, ReasonInvalid, ReasonRevoked, ReasonExpired, ReasonStoreError},
	}
	for outcome, reasons := range pairs {
		m.admissionDuration.WithLabelValues(outcome)
		for _, reason := range reasons {
			m.admissionTotal.WithLabelValues(outcome, reason)
		}
	}
}

// RecordAdmission records one admission decision. Safe on a nil receiver.
func (m *Metrics) RecordAdmission(outcome, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.admissionTotal.WithLabelValues(outcome, reason).Inc()
	m.admissionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordUsageError counts a failed usage write. Safe on a nil receiver.
func (m *Metrics) RecordUsageError() {
	if m == nil {
		return
	}
	m.usageErrors.Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
