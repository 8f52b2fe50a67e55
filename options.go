package resilience

import (
	"log/slog"
	"os"
	"time"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential uses exponential backoff with jitter.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff with jitter.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Errors are classified through the taxonomy before this is consulted,
	// so implementations receive *Error values.
	// Default: TaxonomyClassifier
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives per-attempt outcome counts when set.
	// Default: nil (no instrumentation)
	Metrics *Metrics

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// InitialDelay is the delay before the first retry.
	// Default: 1 second
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (for exponential/fibonacci).
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier for exponential strategy.
	// For exponential backoff, delay = initialDelay * (multiplier ^ attempt).
	// Default: 2.0 (doubling)
	// Common values: 1.5 (moderate growth), 2.0 (doubling), 3.0 (aggressive growth)
	Multiplier float64

	// MaxAttempts is the maximum number of attempts (including the initial request).
	// Default: 3
	MaxAttempts int
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of retry attempts.
// The total number of calls will be MaxAttempts (including the initial attempt).
//
// Example:
//
//	resilience.WithMaxAttempts(5) // Try up to 5 times total
func WithMaxAttempts(attempts int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxAttempts = attempts
	}
}

// WithExponentialBackoff configures exponential backoff with jitter.
// Each retry delay is multiplied by the configured multiplier (default 2.0) up to maxDelay.
//
// Example:
//
//	resilience.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: ~1s, ~2s, ~4s, ~8s, ~16s, 30s (capped)
func WithExponentialBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for exponential strategy.
// Only applies when using RetryStrategyExponential.
//
// Example:
//
//	resilience.WithMultiplier(1.5) // 50% growth per retry
//	// With InitialDelay=1s: ~1s, ~1.5s, ~2.25s, ~3.375s, ...
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithConstantBackoff configures constant delay between retries with jitter.
// All retry delays will be approximately the same.
//
// Example:
//
//	resilience.WithConstantBackoff(2 * time.Second)
//	// Delays: ~2s, ~2s, ~2s, ~2s
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.InitialDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff with jitter.
// Delays follow the fibonacci sequence up to maxDelay.
//
// Example:
//
//	resilience.WithFibonacciBackoff(time.Second, 30*time.Second)
//	// Delays: ~1s, ~1s, ~2s, ~3s, ~5s, ~8s, ~13s, ~21s, 30s (capped)
func WithFibonacciBackoff(initialDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.InitialDelay = initialDelay
		c.MaxDelay = maxDelay
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
//
// Example:
//
//	classifier := &MyCustomClassifier{}
//	resilience.WithErrorClassifier(classifier)
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithRetryLogger(logger)
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithRetryMetrics wires Prometheus instrumentation into retry operations.
func WithRetryMetrics(metrics *Metrics) RetryOption {
	return func(c *RetryConfig) {
		c.Metrics = metrics
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		Strategy:        RetryStrategyExponential,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ErrorClassifier determines which errors count toward opening the circuit.
	// Default: TaxonomyClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives state gauges and transition counts when set.
	// Default: nil (no instrumentation)
	Metrics *Metrics

	// FailureThreshold is the number of counted failures within
	// MonitoringWindow that opens the circuit.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is the period of the open state, after which a single
	// trial call is allowed through.
	// Default: 60 seconds
	ResetTimeout time.Duration

	// MonitoringWindow is the sliding window over which failures are
	// counted. Failures older than the window no longer count toward
	// FailureThreshold. Zero means failures never expire.
	// Default: 60 seconds
	MonitoringWindow time.Duration
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithFailureThreshold sets how many failures within the monitoring window
// open the circuit.
//
// Example:
//
//	resilience.WithFailureThreshold(3)
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithResetTimeout sets how long the circuit stays open before allowing a
// trial call.
//
// Example:
//
//	resilience.WithResetTimeout(30 * time.Second)
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ResetTimeout = timeout
	}
}

// WithMonitoringWindow sets the sliding window over which failures count
// toward the threshold.
//
// Example:
//
//	resilience.WithMonitoringWindow(time.Minute)
func WithMonitoringWindow(window time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MonitoringWindow = window
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
//
// Example:
//
//	classifier := &MyCustomClassifier{}
//	resilience.WithCircuitBreakerErrorClassifier(classifier)
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
// The callback runs while the breaker's internal lock is held, so it must
// not call back into the breaker.
//
// Example:
//
//	resilience.WithStateChangeHandler(func(name string, from, to resilience.CircuitBreakerState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	resilience.WithCircuitBreakerLogger(logger)
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithCircuitBreakerMetrics wires Prometheus instrumentation into the breaker.
func WithCircuitBreakerMetrics(metrics *Metrics) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Metrics = metrics
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		MonitoringWindow: 60 * time.Second,
		ErrorClassifier:  DefaultCircuitBreakerErrorClassifier(),
		Logger:           slog.Default(),
	}
}

// RegistryConfig holds health registry configuration options.
type RegistryConfig struct {
	// Logger for health check operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics receives check durations and result counts when set.
	// Default: nil (no instrumentation)
	Metrics *Metrics

	// CheckTimeout is the default per-check execution budget. Individual
	// checks can override it with WithProbeTimeout.
	// Default: 5 seconds
	CheckTimeout time.Duration

	// Interval is the period of the background scheduler started by Start.
	// Default: 30 seconds
	Interval time.Duration
}

// RegistryOption is a functional option for configuring the health registry.
type RegistryOption func(*RegistryConfig)

// WithCheckTimeout sets the default per-check execution budget.
//
// Example:
//
//	resilience.WithCheckTimeout(2 * time.Second)
func WithCheckTimeout(timeout time.Duration) RegistryOption {
	return func(c *RegistryConfig) {
		c.CheckTimeout = timeout
	}
}

// WithCheckInterval sets the period of the background scheduler.
//
// Example:
//
//	resilience.WithCheckInterval(15 * time.Second)
func WithCheckInterval(interval time.Duration) RegistryOption {
	return func(c *RegistryConfig) {
		c.Interval = interval
	}
}

// WithRegistryLogger sets a custom logger for health check operations.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(c *RegistryConfig) {
		c.Logger = logger
	}
}

// WithRegistryMetrics wires Prometheus instrumentation into health checks.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(c *RegistryConfig) {
		c.Metrics = metrics
	}
}

// DefaultRegistryConfig returns health registry configuration with sensible defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		CheckTimeout: 5 * time.Second,
		Interval:     30 * time.Second,
		Logger:       slog.Default(),
	}
}

// CheckOption is a functional option applied to a single registered check.
type CheckOption func(*checkSettings)

// checkSettings holds per-check overrides resolved at registration time.
type checkSettings struct {
	timeout  time.Duration
	critical bool
}

// WithProbeTimeout overrides the registry's default timeout for one check.
//
// Example:
//
//	registry.AddCheck("slow-warehouse", probe, resilience.WithProbeTimeout(10*time.Second))
func WithProbeTimeout(timeout time.Duration) CheckOption {
	return func(s *checkSettings) {
		s.timeout = timeout
	}
}

// WithCritical marks whether a failing check should take the whole service
// unhealthy (true) or merely degrade it (false). Checks are critical by
// default.
//
// Example:
//
//	registry.AddCheck("cache", probe, resilience.WithCritical(false))
func WithCritical(critical bool) CheckOption {
	return func(s *checkSettings) {
		s.critical = critical
	}
}

// HandlerConfig holds error handler facade configuration options.
type HandlerConfig struct {
	// Sink persists classified errors. A nil sink disables persistence.
	// Default: nil
	Sink ErrorSink

	// Logger for the facade's structured output.
	// Default: slog.Default()
	Logger *slog.Logger

	// Environment controls whether API responses include debug details.
	// Anything other than "production" includes them.
	// Default: $APP_ENV, or "development" when unset
	Environment string
}

// HandlerOption is a functional option for configuring the error handler facade.
type HandlerOption func(*HandlerConfig)

// WithSink sets the persistence sink for classified errors.
//
// Example:
//
//	resilience.WithSink(resilience.SinkFunc(func(ctx context.Context, rec resilience.Record) error {
//	    return store.InsertErrorLog(ctx, rec)
//	}))
func WithSink(sink ErrorSink) HandlerOption {
	return func(c *HandlerConfig) {
		c.Sink = sink
	}
}

// WithEnvironment sets the deployment environment name.
// API responses omit debug details when it is "production".
func WithEnvironment(environment string) HandlerOption {
	return func(c *HandlerConfig) {
		c.Environment = environment
	}
}

// WithHandlerLogger sets a custom logger for the error handler facade.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(c *HandlerConfig) {
		c.Logger = logger
	}
}

// DefaultHandlerConfig returns handler configuration with sensible defaults.
func DefaultHandlerConfig() *HandlerConfig {
	environment := os.Getenv("APP_ENV")
	if environment == "" {
		environment = "development"
	}
	return &HandlerConfig{
		Environment: environment,
		Logger:      slog.Default(),
	}
}
