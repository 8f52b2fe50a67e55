package resilience

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retrier executes operations with configurable retry logic. It uses
// exponential, constant, or fibonacci backoff strategies with jitter to
// prevent thundering herd problems. Failures are classified through the
// taxonomy before the retry decision, so the error returned to the caller
// is always a classified *Error (context errors excepted).
type Retrier[T any] struct {
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	metrics    *Metrics
	stats      *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetrier creates a retry executor with the provided options.
//
// Example:
//
//	retrier := resilience.NewRetrier[*Order](
//	    resilience.WithMaxAttempts(5),
//	    resilience.WithExponentialBackoff(time.Second, 30*time.Second),
//	)
func NewRetrier[T any](opts ...RetryOption) *Retrier[T] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}

	return &Retrier[T]{
		config:     config,
		logger:     config.Logger,
		classifier: config.ErrorClassifier,
		metrics:    config.Metrics,
		stats:      &retryStats{},
	}
}

// Retry executes the operation with retry logic using a one-off Retrier.
// It is the convenience form for call sites that do not need stats or reuse.
//
// Example:
//
//	user, err := resilience.Retry(ctx, fetchUser,
//	    resilience.WithMaxAttempts(3),
//	    resilience.WithConstantBackoff(500*time.Millisecond),
//	)
func Retry[T any](ctx context.Context, op Operation[T], opts ...RetryOption) (T, error) {
	return NewRetrier[T](opts...).Execute(ctx, op)
}

// Execute runs the operation, retrying classified-retryable failures up to
// MaxAttempts times with the configured backoff. Non-retryable failures
// propagate immediately; when attempts are exhausted the last classified
// error is returned unchanged.
func (r *Retrier[T]) Execute(ctx context.Context, op Operation[T]) (T, error) {
	var zero T

	// Zero or negative max attempts is a configuration mistake, not a
	// request to skip work silently.
	if r.config.MaxAttempts <= 0 {
		return zero, errors.New("max attempts must be positive")
	}

	// Check if parent context is already done before attempting any requests
	select {
	case <-ctx.Done():
		r.logger.Warn("context already done before operation (expected condition)",
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var response T
	var attempts int

	backoff := r.backoffStrategy()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		// Track attempt and calculate retries (attempts after the first)
		r.stats.mu.Lock()
		r.stats.totalAttempts++
		if attempts > 1 {
			r.stats.totalRetries++
		}
		r.stats.lastAttemptTime = time.Now()
		r.stats.mu.Unlock()

		// Check if parent context is done before each retry attempt
		select {
		case <-ctx.Done():
			r.logger.Warn("context done before retry attempt (expected condition)",
				"attempt", attempts,
				"error", ctx.Err())
			return ctx.Err()
		default:
		}

		resp, err := op(ctx)
		if err == nil {
			if attempts > 1 {
				r.logger.Info("operation succeeded after retry",
					"attempts", attempts)
			}
			response = resp
			return nil
		}

		appErr := Classify(err)
		if !r.classifier.IsRetryable(appErr) {
			r.logger.Debug("non-retryable error, giving up",
				"kind", appErr.Kind,
				"error", appErr,
				"attempts", attempts)
			return appErr
		}

		r.metrics.observeRetryAttempt(retryOutcomeRetried)
		r.logger.Debug("retrying operation after delay",
			"attempt", attempts,
			"kind", appErr.Kind,
			"error", appErr)

		// Return retryable error to continue retry loop
		return retry.RetryableError(appErr)
	})
	if err != nil {
		r.logger.Warn("operation failed after retries",
			"attempts", attempts,
			"error", err)
		r.metrics.observeRetryAttempt(retryOutcomeFailure)
		// Track failure
		r.stats.mu.Lock()
		r.stats.totalFailures++
		r.stats.lastError = err
		r.stats.mu.Unlock()
		return zero, err
	}

	// Track success
	r.metrics.observeRetryAttempt(retryOutcomeSuccess)
	r.stats.mu.Lock()
	r.stats.totalSuccesses++
	r.stats.mu.Unlock()

	return response, nil
}

// backoffStrategy returns the appropriate backoff strategy based on configuration.
// Supports exponential, constant, and fibonacci backoff patterns with jitter to prevent thundering herd.
// Note: retry.Do() counts the initial attempt, so MaxAttempts-1 is passed to WithMaxRetries.
func (r *Retrier[T]) backoffStrategy() retry.Backoff {
	// Validate MaxAttempts to prevent overflow in conversions
	maxAttempts := r.config.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if maxAttempts > 1000 { // Cap at reasonable upper bound
		maxAttempts = 1000
	}

	// Calculate retry attempts (subtract 1 because Do() counts initial attempt)
	maxRetries := maxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	switch r.config.Strategy {
	case RetryStrategyConstant:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.BackoffFunc(func() (time.Duration, bool) {
				// Add jitter to prevent thundering herd using crypto/rand
				jitterMax := int64(r.config.InitialDelay / 10)
				if jitterMax <= 0 {
					jitterMax = 1
				}
				jitterBig, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
				if err != nil {
					// Fallback to no jitter if crypto/rand fails
					return r.config.InitialDelay, false
				}
				jitter := time.Duration(jitterBig.Int64())
				return r.config.InitialDelay + jitter, false
			}),
		)

	case RetryStrategyFibonacci:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.WithCappedDuration(
				r.config.MaxDelay,
				retry.WithJitter(
					r.config.InitialDelay/10,
					retry.NewFibonacci(r.config.InitialDelay),
				),
			),
		)

	default:
		return retry.WithMaxRetries(
			uint64(maxRetries), // #nosec G115 - bounds checked above
			retry.WithCappedDuration(
				r.config.MaxDelay,
				retry.WithJitter(
					r.config.InitialDelay/10,
					r.newConfigurableExponential(),
				),
			),
		)
	}
}

// newConfigurableExponential creates a custom exponential backoff using the configured multiplier.
// Unlike retry.NewExponential which always doubles (2.0), this allows configurable growth rates.
// The delay for attempt N is: initialDelay * (multiplier ^ N)
func (r *Retrier[T]) newConfigurableExponential() retry.Backoff {
	// Get multiplier from config, default to 2.0 if not set or invalid
	multiplier := r.config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	// For multiplier of exactly 2.0, use the optimized library implementation
	if multiplier == 2.0 {
		return retry.NewExponential(r.config.InitialDelay)
	}

	// For custom multipliers, implement custom backoff logic
	attempt := uint64(0)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		// Calculate delay: initialDelay * (multiplier ^ attempt)
		delay := float64(r.config.InitialDelay)
		for i := uint64(0); i < attempt; i++ {
			delay *= multiplier
			// Prevent overflow
			if delay > float64(1<<63-1) {
				attempt++
				return time.Duration(1<<63 - 1), false
			}
		}
		attempt++
		return time.Duration(delay), false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64

	// TotalFailures is the number of failed operations (after all retries exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any)
	LastError error
}

// GetRetryStats returns statistics about retry operations.
// This method is thread-safe and returns a snapshot of the current statistics.
func (r *Retrier[T]) GetRetryStats() RetryStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   r.stats.totalAttempts,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}
