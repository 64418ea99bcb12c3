// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// shared by the pipeline stages.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	stageOutcomes   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	generationRound *prometheus.CounterVec
	roundsUsed      prometheus.Histogram
	deadLetters     *prometheus.CounterVec
	lockEvents      *prometheus.CounterVec
	requeued        prometheus.Counter
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_stage_outcomes_total",
			Help: "Stage invocations by stage and outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postflow_stage_duration_seconds",
			Help:    "Time spent handling one message by stage",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		generationRound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_generation_rounds_total",
			Help: "Generation rounds by verdict",
		}, []string{"verdict"}),
		roundsUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "postflow_generation_rounds_used",
			Help:    "Rounds consumed per generation loop",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_dead_letters_total",
			Help: "Dead-letter messages by source stage",
		}, []string{"source"}),
		lockEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postflow_lock_events_total",
			Help: "Publish lock acquisitions, reclaims, skips and releases",
		}, []string{"event"}),
		requeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "postflow_requeued_total",
			Help: "Pointers republished by the sweeper",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StageOutcome records one handled message.
func (m *Metrics) StageOutcome(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Round records one generation round verdict.
func (m *Metrics) Round(verdict string) {
	if m == nil {
		return
	}
	m.generationRound.WithLabelValues(verdict).Inc()
}

// RoundsUsed records how many rounds one loop took.
func (m *Metrics) RoundsUsed(n int) {
	if m == nil {
		return
	}
	m.roundsUsed.Observe(float64(n))
}

// DeadLetter records a dead-letter message.
func (m *Metrics) DeadLetter(source string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(source).Inc()
}

// LockEvent records acquire, reclaim, skip, release or mismatch.
func (m *Metrics) LockEvent(event string) {
	if m == nil {
		return
	}
	m.lockEvents.WithLabelValues(event).Inc()
}

// Requeued records a pointer republished by the sweeper.
func (m *Metrics) Requeued(n int) {
	if m == nil {
		return
	}
	m.requeued.Add(float64(n))
}
