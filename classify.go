package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should trip the circuit breaker.
// Implement this interface to customize circuit breaker behavior for your specific error types.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to count toward opening the circuit breaker.
	ShouldTripCircuit(err error) bool
}

// Classify converts any error into a classified *Error. The rules are
// evaluated in a fixed order and the first match wins, so classification is
// deterministic. An error that is already classified is returned unchanged,
// making Classify idempotent. The original error is preserved as the cause.
//
// Rule order:
//  1. context.DeadlineExceeded and context.Canceled. The caller's budget is
//     spent, so these are never retryable regardless of kind defaults.
//  2. Rate limit and timeout sentinels from jp-go-errors.
//  3. net.Error timeouts.
//  4. Connection-level syscall errors (ECONNREFUSED, ECONNRESET).
//  5. HTTP status codes carried by the error chain.
//  6. Message substrings, connection failures before timeouts.
//  7. Fallback to KindInternalServerError, not retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}

	// The deadline is the caller's, not the service's: retrying with the
	// same context fails immediately. Check before any other timeout rule,
	// which would otherwise classify this as a retryable timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindExternalServiceTimeout, err.Error(),
			WithCause(err),
			WithRetryable(false),
		)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindInternalServerError, err.Error(),
			WithCause(err),
			WithSeverity(SeverityMedium),
		)
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return NewError(KindExternalServiceUnavailable, err.Error(),
			WithCause(err),
			WithStatusCode(429),
		)
	}
	if pkgerrors.IsTimeout(err) {
		return NewError(KindExternalServiceTimeout, err.Error(), WithCause(err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindExternalServiceTimeout, err.Error(), WithCause(err))
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewError(KindDatabaseConnectionFailed, err.Error(), WithCause(err))
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return NewError(KindExternalServiceUnavailable, err.Error(), WithCause(err))
	}

	if statusCode := extractStatusCode(err); statusCode != 0 {
		return classifyStatusCode(statusCode, err)
	}

	if kind, ok := classifyMessage(err.Error()); ok {
		return NewError(kind, err.Error(), WithCause(err))
	}

	return NewError(KindInternalServerError, err.Error(), WithCause(err))
}

// classifyStatusCode maps an HTTP status code onto a kind. The original
// status code is kept on the classified error even when the kind's default
// differs.
func classifyStatusCode(statusCode int, err error) *Error {
	var kind ErrorKind
	opts := []ErrorOption{WithCause(err), WithStatusCode(statusCode)}

	switch {
	case statusCode == 400:
		kind = KindValidationFailed
	case statusCode == 401:
		kind = KindAuthenticationFailed
	case statusCode == 403:
		kind = KindAuthorizationFailed
	case statusCode == 408:
		kind = KindExternalServiceTimeout
	case statusCode == 429:
		kind = KindExternalServiceUnavailable
	case statusCode >= 500:
		kind = KindExternalServiceUnavailable
	case statusCode >= 400:
		kind = KindValidationFailed
	default:
		kind = KindInternalServerError
	}

	return NewError(kind, err.Error(), opts...)
}

// substringRule maps message fragments to a kind. Evaluated in slice order.
type substringRule struct {
	fragments []string
	kind      ErrorKind
}

// messageRules is consulted after every structured check has failed to
// match. Connection failures come first so "connect ECONNREFUSED timed out"
// classifies as a connection failure rather than a timeout.
var messageRules = []substringRule{
	{fragments: []string{"econnrefused", "connect"}, kind: KindDatabaseConnectionFailed},
	{fragments: []string{"timeout", "timed out"}, kind: KindExternalServiceTimeout},
	{fragments: []string{"unavailable", "bad gateway"}, kind: KindExternalServiceUnavailable},
	{fragments: []string{"unauthorized", "authentication"}, kind: KindAuthenticationFailed},
	{fragments: []string{"forbidden", "permission denied"}, kind: KindAuthorizationFailed},
	{fragments: []string{"validation", "invalid"}, kind: KindValidationFailed},
}

// classifyMessage matches the lowercased error message against messageRules.
func classifyMessage(message string) (ErrorKind, bool) {
	message = strings.ToLower(message)
	for _, rule := range messageRules {
		for _, fragment := range rule.fragments {
			if strings.Contains(message, fragment) {
				return rule.kind, true
			}
		}
	}
	return "", false
}

// TaxonomyClassifier classifies errors through Classify and the kind table.
// It implements both ErrorClassifier and CircuitBreakerErrorClassifier and
// is the default for the retry executor and the circuit breaker.
type TaxonomyClassifier struct{}

// IsRetryable implements ErrorClassifier using the kind table.
func (TaxonomyClassifier) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier. Caller-side
// cancellation and rate limiting say nothing about the health of the
// protected service, so they do not count toward opening the circuit.
// Everything else does, including timeouts: a service that stops answering
// in time is a failing service.
func (TaxonomyClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return false
	}
	if extractStatusCode(err) == 429 {
		return false
	}
	return true
}

// DefaultErrorClassifier returns the taxonomy-backed retry classifier.
func DefaultErrorClassifier() ErrorClassifier {
	return TaxonomyClassifier{}
}

// DefaultCircuitBreakerErrorClassifier returns the taxonomy-backed circuit
// breaker classifier.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return TaxonomyClassifier{}
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// extractStatusCode attempts to extract an HTTP status code from the error chain.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when you need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
// This is useful when wrapping errors from systems that don't provide status codes.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
