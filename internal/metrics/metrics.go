// Package metrics exposes Prometheus instrumentation for the embedding
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/embedd/internal/recovery"
)

// Metrics holds all collectors, registered on a single registry that the
// ops server serves at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	embeddings    *prometheus.CounterVec
	retrievals    *prometheus.CounterVec
	migrations    *prometheus.CounterVec
	errorEvents   *prometheus.CounterVec
	requestTiming *prometheus.HistogramVec
}

// New creates and registers all collectors. The circuit registry is
// scraped lazily through a GaugeFunc per known dependency state.
func New(reg *recovery.Registry) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		embeddings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedd",
			Name:      "embeddings_total",
			Help:      "Content embeddings processed, by result.",
		}, []string{"result"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedd",
			Name:      "retrievals_total",
			Help:      "Retrieval queries processed, by result.",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedd",
			Name:      "migration_phases_total",
			Help:      "Migration phase transitions observed.",
		}, []string{"phase"}),
		errorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedd",
			Name:      "error_events_total",
			Help:      "Recovery error events, by category and outcome.",
		}, []string{"category", "outcome"}),
		requestTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "embedd",
			Name:      "request_duration_seconds",
			Help:      "Ops API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(m.embeddings, m.retrievals, m.migrations, m.errorEvents, m.requestTiming)

	if reg != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "embedd",
			Name:      "circuits_open",
			Help:      "Number of circuit breakers currently open.",
		}, func() float64 {
			open := 0
			for _, state := range reg.States() {
				if state == recovery.StateOpen {
					open++
				}
			}
			return float64(open)
		}))
	}

	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func result(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}

// RecordEmbedding counts a processed embedding.
func (m *Metrics) RecordEmbedding(degraded bool) {
	m.embeddings.WithLabelValues(result(degraded)).Inc()
}

// RecordRetrieval counts a processed retrieval.
func (m *Metrics) RecordRetrieval(degraded bool) {
	m.retrievals.WithLabelValues(result(degraded)).Inc()
}

// RecordMigrationPhase counts a migration phase transition.
func (m *Metrics) RecordMigrationPhase(phase string) {
	m.migrations.WithLabelValues(phase).Inc()
}

// RecordErrorEvent counts a recovery error event.
func (m *Metrics) RecordErrorEvent(event recovery.ErrorEvent) {
	m.errorEvents.WithLabelValues(string(event.Category), string(event.Outcome)).Inc()
}

// ObserveRequest records a request latency in seconds.
func (m *Metrics) ObserveRequest(route string, seconds float64) {
	m.requestTiming.WithLabelValues(route).Observe(seconds)
}
