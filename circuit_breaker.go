package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitBreaker protects an operation from a failing dependency. It counts
// classified failures over a sliding monitoring window and opens once the
// failure threshold is reached. While open, calls are rejected immediately
// with a KindCircuitOpen error. After the reset timeout a single trial call
// is allowed through: success closes the circuit, failure reopens it.
//
// The state machine is gobreaker's; the sliding window policy lives in the
// hooks wired by NewCircuitBreaker.
type CircuitBreaker[T any] struct {
	name       string
	cb         *gobreaker.CircuitBreaker[T]
	config     *CircuitBreakerConfig
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	metrics    *Metrics

	mu          sync.Mutex
	failures    []time.Time
	lastFailure time.Time
}

// NewCircuitBreaker creates a named circuit breaker with the provided options.
//
// Example:
//
//	breaker := resilience.NewCircuitBreaker[*Quote]("pricing-api",
//	    resilience.WithFailureThreshold(3),
//	    resilience.WithResetTimeout(30*time.Second),
//	)
func NewCircuitBreaker[T any](name string, opts ...CircuitBreakerOption) *CircuitBreaker[T] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}

	b := &CircuitBreaker[T]{
		name:       name,
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		metrics:    config.Metrics,
	}

	settings := gobreaker.Settings{
		Name: name,

		// Exactly one trial call probes the service in half-open state.
		MaxRequests: 1,

		// Interval 0 disables gobreaker's own count clearing; expiry is
		// handled by pruning the sliding window instead.
		Interval: 0,

		Timeout: config.ResetTimeout,

		// ReadyToTrip fires once per counted failure in the closed state.
		// The decision comes from the sliding window, not from gobreaker's
		// generation counts.
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.windowFull()
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromState := convertGobreakerState(from)
			toState := convertGobreakerState(to)

			// A circuit that closed has proven the service recovered;
			// failures from before the outage must not reopen it.
			if toState == StateClosed {
				b.resetWindow()
			}

			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", fromState.String(),
				"to", toState.String())

			b.metrics.setBreakerState(name, toState)
			b.metrics.observeBreakerTransition(name, toState)

			if config.OnStateChange != nil {
				config.OnStateChange(name, fromState, toState)
			}
		},

		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if !b.classifier.ShouldTripCircuit(err) {
				return true
			}
			b.noteFailure()
			return false
		},
	}

	b.cb = gobreaker.NewCircuitBreaker[T](settings)
	b.metrics.setBreakerState(name, StateClosed)

	return b
}

// Guard creates a named circuit breaker and binds it to the operation,
// returning a drop-in replacement that fails fast while the circuit is open.
//
// Example:
//
//	fetchQuote = resilience.Guard("pricing-api", fetchQuote,
//	    resilience.WithFailureThreshold(3),
//	)
func Guard[T any](name string, op Operation[T], opts ...CircuitBreakerOption) Operation[T] {
	return NewCircuitBreaker[T](name, opts...).Bind(op)
}

// Bind returns the operation wrapped by this breaker. Several operations can
// be bound to the same breaker to share its state.
func (b *CircuitBreaker[T]) Bind(op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		return b.Execute(ctx, op)
	}
}

// Execute runs the operation through the circuit breaker. While the circuit
// is open the operation is not invoked and a KindCircuitOpen error is
// returned immediately. Operation errors pass through unchanged.
func (b *CircuitBreaker[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	var zero T

	resp, err := b.cb.Execute(func() (T, error) {
		return op(ctx)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			b.logger.Warn("circuit breaker is open, call rejected",
				"name", b.name,
				"state", StateOpen.String())
			return zero, NewError(KindCircuitOpen, "Circuit breaker is open",
				WithCause(err),
				WithErrorContext("breaker", b.name),
				WithErrorContext("state", StateOpen.String()),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			b.logger.Debug("circuit breaker half-open, trial call already in flight",
				"name", b.name)
			return zero, NewError(KindCircuitOpen, "Circuit breaker is open",
				WithCause(err),
				WithErrorContext("breaker", b.name),
				WithErrorContext("state", StateHalfOpen.String()),
			)
		default:
			return zero, err
		}
	}

	return resp, nil
}

// noteFailure records a counted failure into the sliding window.
func (b *CircuitBreaker[T]) noteFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now
	b.failures = append(b.failures, now)
}

// windowFull prunes expired failures and reports whether the surviving
// count has reached the threshold.
func (b *CircuitBreaker[T]) windowFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()
	return len(b.failures) >= b.config.FailureThreshold
}

// pruneLocked drops failures older than the monitoring window.
// Callers must hold b.mu. A zero window keeps every failure.
func (b *CircuitBreaker[T]) pruneLocked() {
	if b.config.MonitoringWindow <= 0 {
		return
	}

	cutoff := time.Now().Add(-b.config.MonitoringWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// resetWindow clears the sliding window and the last failure marker.
func (b *CircuitBreaker[T]) resetWindow() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = nil
	b.lastFailure = time.Time{}
}

// Name returns the breaker's name.
func (b *CircuitBreaker[T]) Name() string {
	return b.name
}

// State returns the current state of the circuit breaker.
func (b *CircuitBreaker[T]) State() CircuitBreakerState {
	return convertGobreakerState(b.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (b *CircuitBreaker[T]) Counts() CircuitBreakerCounts {
	counts := b.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker for
// diagnostics and health reporting.
type BreakerSnapshot struct {
	// Name identifies the breaker.
	Name string `json:"name"`

	// State is the current state ("closed", "half-open", "open").
	State string `json:"state"`

	// WindowedFailures is the number of failures currently inside the
	// monitoring window.
	WindowedFailures int `json:"windowed_failures"`

	// FailureThreshold is the configured trip threshold.
	FailureThreshold int `json:"failure_threshold"`

	// LastFailureTime is when the most recent counted failure occurred.
	// Zero when no failure has been counted since the circuit last closed.
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *CircuitBreaker[T]) Snapshot() BreakerSnapshot {
	state := b.State()

	b.mu.Lock()
	b.pruneLocked()
	windowed := len(b.failures)
	lastFailure := b.lastFailure
	b.mu.Unlock()

	return BreakerSnapshot{
		Name:             b.name,
		State:            state.String(),
		WindowedFailures: windowed,
		FailureThreshold: b.config.FailureThreshold,
		LastFailureTime:  lastFailure,
	}
}

// HealthProbe adapts the breaker into a health check: closed is healthy,
// half-open is degraded, open is unhealthy. Register it with a Registry to
// surface breaker state in health reports.
//
// Example:
//
//	registry.AddCheck("pricing-api-breaker", breaker.HealthProbe(),
//	    resilience.WithCritical(false))
func (b *CircuitBreaker[T]) HealthProbe() Probe {
	return func(ctx context.Context) (CheckResult, error) {
		snapshot := b.Snapshot()
		details := map[string]any{
			"state":             snapshot.State,
			"windowed_failures": snapshot.WindowedFailures,
			"failure_threshold": snapshot.FailureThreshold,
		}

		switch b.State() {
		case StateClosed:
			return CheckResult{
				Status:  StatusHealthy,
				Message: "circuit closed",
				Details: details,
			}, nil
		case StateHalfOpen:
			return CheckResult{
				Status:  StatusDegraded,
				Message: "circuit half-open, probing for recovery",
				Details: details,
			}, nil
		default:
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("circuit open since %s", snapshot.LastFailureTime.Format(time.RFC3339)),
				Details: details,
			}, nil
		}
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CombineRetryAndCircuitBreaker layers both primitives around one operation.
// The circuit breaker is applied first (inner layer) to protect the
// downstream service, then retry logic is applied (outer layer) to handle
// transient failures. Open-circuit rejections are not retryable, so the
// retry layer gives up immediately once the circuit opens.
func CombineRetryAndCircuitBreaker[T any](
	name string,
	op Operation[T],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) Operation[T] {
	// Set logger on configs if provided
	if logger != nil {
		if retryConfig != nil {
			retryConfig.Logger = logger
		}
		if cbConfig != nil {
			cbConfig.Logger = logger
		}
	}

	// First wrap with circuit breaker (inner layer)
	breaker := NewCircuitBreaker[T](name, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
	})
	guarded := breaker.Bind(op)

	// Then wrap with retry (outer layer)
	retrier := NewRetrier[T](func(c *RetryConfig) {
		if retryConfig != nil {
			*c = *retryConfig
		}
	})

	return func(ctx context.Context) (T, error) {
		return retrier.Execute(ctx, guarded)
	}
}
