package resilience

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Retry attempt outcomes reported to the attempts counter.
const (
	retryOutcomeSuccess = "success"
	retryOutcomeRetried = "retry"
	retryOutcomeFailure = "failure"
)

// Metrics holds the Prometheus instruments for every primitive in the
// package. A single Metrics value can be shared across retriers, breakers,
// and registries; all hooks are safe to call on a nil receiver, so
// instrumentation stays optional.
type Metrics struct {
	retryAttempts      *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	checkDuration      *prometheus.HistogramVec
	checkResults       *prometheus.CounterVec
}

// NewMetrics registers and returns the package's instruments.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	metrics := resilience.NewMetrics(reg)
//	retrier := resilience.NewRetrier[int](resilience.WithRetryMetrics(metrics))
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_retry_attempts_total",
			Help: "Retry attempts by outcome (success, retry, failure).",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resilience_circuit_breaker_state",
			Help: "Current circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions by target state.",
		}, []string{"name", "to"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resilience_health_check_duration_seconds",
			Help:    "Health check execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"check"}),
		checkResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resilience_health_check_results_total",
			Help: "Health check executions by result status.",
		}, []string{"check", "status"}),
	}

	reg.MustRegister(
		m.retryAttempts,
		m.breakerState,
		m.breakerTransitions,
		m.checkDuration,
		m.checkResults,
	)

	return m
}

// observeRetryAttempt counts one attempt outcome.
func (m *Metrics) observeRetryAttempt(outcome string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(outcome).Inc()
}

// setBreakerState publishes the breaker's current state as a gauge.
func (m *Metrics) setBreakerState(name string, state CircuitBreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// observeBreakerTransition counts a state transition.
func (m *Metrics) observeBreakerTransition(name string, to CircuitBreakerState) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, to.String()).Inc()
}

// observeHealthCheck records one health check execution.
func (m *Metrics) observeHealthCheck(check string, status CheckStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(check).Observe(duration.Seconds())
	m.checkResults.WithLabelValues(check, string(status)).Inc()
}
