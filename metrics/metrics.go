// Package metrics implements collection of pipeline performance
// metrics with a prometheus backend.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policyflow/policyflow/circuit"
	"github.com/policyflow/policyflow/events"
)

const promNamespace = "policyflow"

// Options for initializing metrics collection.
type Options struct {
	// Prefix replaces the default metric namespace.
	Prefix string

	// HistogramBuckets replaces the default histogram buckets.
	HistogramBuckets []float64

	// Registry replaces the default fresh registry, e.g. to share
	// one registry between subsystems.
	Registry *prometheus.Registry
}

// Metrics is the prometheus metrics backend of the pipeline.
type Metrics struct {
	responseM      *prometheus.HistogramVec
	stageM         *prometheus.HistogramVec
	policyM        *prometheus.CounterVec
	backendM       *prometheus.HistogramVec
	backendErrorsM *prometheus.CounterVec
	breakerM       *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New returns a new prometheus metrics backend.
func New(opts Options) *Metrics {
	namespace := promNamespace
	if opts.Prefix != "" {
		namespace = strings.TrimSuffix(opts.Prefix, ".")
	}

	if len(opts.HistogramBuckets) == 0 {
		opts.HistogramBuckets = prometheus.DefBuckets
	}

	m := &Metrics{
		responseM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "response",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a response.",
			Buckets:   opts.HistogramBuckets,
		}, []string{"code", "method"}),

		stageM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a pipeline stage.",
			Buckets:   opts.HistogramBuckets,
		}, []string{"stage", "outcome"}),

		policyM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "The total of policy decisions by outcome.",
		}, []string{"stage", "policy", "outcome"}),

		backendM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "duration_seconds",
			Help:      "Duration in seconds of a backend dispatch attempt.",
			Buckets:   opts.HistogramBuckets,
		}, []string{"backend"}),

		backendErrorsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "error_total",
			Help:      "The total of failed backend dispatch attempts.",
		}, []string{"backend"}),

		breakerM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "The total of circuit breaker state transitions.",
		}, []string{"backend", "to"}),
	}

	m.registry = opts.Registry
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.registry.MustRegister(
		m.responseM,
		m.stageM,
		m.policyM,
		m.backendM,
		m.backendErrorsM,
		m.breakerM,
	)

	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the current metric values.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// MeasureResponse records a served response.
func (m *Metrics) MeasureResponse(code int, method string, d time.Duration) {
	m.responseM.WithLabelValues(strconv.Itoa(code), method).Observe(d.Seconds())
}

// MeasureBackend records a backend dispatch attempt.
func (m *Metrics) MeasureBackend(backend string, d time.Duration, failed bool) {
	m.backendM.WithLabelValues(backend).Observe(d.Seconds())
	if failed {
		m.backendErrorsM.WithLabelValues(backend).Inc()
	}
}

// IncBreakerTransition records a breaker state change. The signature
// matches circuit.StateChangeFunc.
func (m *Metrics) IncBreakerTransition(backend string, from, to circuit.State) {
	m.breakerM.WithLabelValues(backend, to.String()).Inc()
}

// Emit implements events.Emitter: stage events feed the stage
// duration histogram, policy events the decision counter.
func (m *Metrics) Emit(e events.Event) {
	if e.Policy == "" {
		m.stageM.WithLabelValues(e.Stage, string(e.Outcome)).Observe(e.Duration.Seconds())
		return
	}

	m.policyM.WithLabelValues(e.Stage, e.Policy, string(e.Outcome)).Inc()
}
