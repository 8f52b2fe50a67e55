package resilience

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrorKind identifies the category of a failure. Kinds drive the defaults
// for severity, HTTP status code, user-facing message, and retryability.
type ErrorKind string

const (
	// KindValidationFailed indicates the request itself was malformed or invalid.
	KindValidationFailed ErrorKind = "VALIDATION_FAILED"

	// KindAuthenticationFailed indicates missing or invalid credentials.
	KindAuthenticationFailed ErrorKind = "AUTHENTICATION_FAILED"

	// KindAuthorizationFailed indicates valid credentials without sufficient permissions.
	KindAuthorizationFailed ErrorKind = "AUTHORIZATION_FAILED"

	// KindDatabaseConnectionFailed indicates the database could not be reached.
	KindDatabaseConnectionFailed ErrorKind = "DATABASE_CONNECTION_FAILED"

	// KindExternalServiceTimeout indicates a downstream call exceeded its deadline.
	KindExternalServiceTimeout ErrorKind = "EXTERNAL_SERVICE_TIMEOUT"

	// KindExternalServiceUnavailable indicates a downstream service refused or failed to serve.
	KindExternalServiceUnavailable ErrorKind = "EXTERNAL_SERVICE_UNAVAILABLE"

	// KindBusinessLogicError indicates a domain rule rejected the operation.
	KindBusinessLogicError ErrorKind = "BUSINESS_LOGIC_ERROR"

	// KindInternalServerError is the fallback kind for unrecognized failures.
	KindInternalServerError ErrorKind = "INTERNAL_SERVER_ERROR"

	// KindCircuitOpen indicates a call was rejected because a circuit breaker is open.
	KindCircuitOpen ErrorKind = "CIRCUIT_OPEN"
)

// Severity ranks how urgently a failure needs operator attention.
// SeverityCritical additionally routes the error through alert handlers
// registered on the Handler facade.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// kindProfile holds the defaults applied when an Error is built for a kind.
type kindProfile struct {
	retryable   bool
	severity    Severity
	statusCode  int
	userMessage string
}

// kindDefaults maps each kind to its defaults. Unknown kinds fall back to
// the internal server error profile so constructing an Error never fails.
var kindDefaults = map[ErrorKind]kindProfile{
	KindValidationFailed: {
		severity:    SeverityLow,
		statusCode:  400,
		userMessage: "The request could not be processed. Please check your input and try again.",
	},
	KindAuthenticationFailed: {
		severity:    SeverityMedium,
		statusCode:  401,
		userMessage: "Authentication failed. Please sign in and try again.",
	},
	KindAuthorizationFailed: {
		severity:    SeverityMedium,
		statusCode:  403,
		userMessage: "You do not have permission to perform this action.",
	},
	KindDatabaseConnectionFailed: {
		retryable:   true,
		severity:    SeverityHigh,
		statusCode:  503,
		userMessage: "The service is temporarily unavailable. Please try again shortly.",
	},
	KindExternalServiceTimeout: {
		retryable:   true,
		severity:    SeverityMedium,
		statusCode:  504,
		userMessage: "The request took too long to complete. Please try again.",
	},
	KindExternalServiceUnavailable: {
		retryable:   true,
		severity:    SeverityHigh,
		statusCode:  503,
		userMessage: "A dependent service is unavailable. Please try again shortly.",
	},
	KindBusinessLogicError: {
		severity:    SeverityMedium,
		statusCode:  422,
		userMessage: "The request could not be completed.",
	},
	KindInternalServerError: {
		severity:    SeverityHigh,
		statusCode:  500,
		userMessage: "An unexpected error occurred. Please try again later.",
	},
	KindCircuitOpen: {
		severity:    SeverityHigh,
		statusCode:  503,
		userMessage: "The service is temporarily unavailable. Please try again shortly.",
	},
}

// profileFor returns the defaults for a kind, falling back to the internal
// server error profile for kinds outside the built-in set.
func profileFor(kind ErrorKind) kindProfile {
	if p, ok := kindDefaults[kind]; ok {
		return p
	}
	return kindDefaults[KindInternalServerError]
}

// Error is the classified form every failure in the system converges to.
// It carries the operational metadata (severity, status code, retryability,
// correlation id) alongside the original cause, which stays reachable
// through errors.Is and errors.As.
type Error struct {
	// Kind is the failure category.
	Kind ErrorKind `json:"code"`

	// Message is the internal, developer-facing description.
	Message string `json:"message"`

	// UserMessage is safe to show to end users.
	UserMessage string `json:"userMessage"`

	// Severity ranks the failure for logging and alerting.
	Severity Severity `json:"severity"`

	// StatusCode is the HTTP status an API layer should respond with.
	StatusCode int `json:"statusCode"`

	// Retryable reports whether retrying the operation may succeed.
	Retryable bool `json:"retryable"`

	// CorrelationID ties log lines, persisted records, and API responses
	// to a single failure. Format: err_<unix-millis>_<random suffix>.
	CorrelationID string `json:"correlationId"`

	// Context holds structured details about the failure site.
	Context map[string]any `json:"context,omitempty"`

	// Timestamp is when the error was constructed.
	Timestamp time.Time `json:"timestamp"`

	cause error
}

// ErrorOption customizes an Error beyond its kind defaults.
type ErrorOption func(*Error)

// WithSeverity overrides the severity derived from the kind.
func WithSeverity(severity Severity) ErrorOption {
	return func(e *Error) {
		e.Severity = severity
	}
}

// WithStatusCode overrides the HTTP status code derived from the kind.
func WithStatusCode(statusCode int) ErrorOption {
	return func(e *Error) {
		e.StatusCode = statusCode
	}
}

// WithUserMessage overrides the user-facing message derived from the kind.
func WithUserMessage(message string) ErrorOption {
	return func(e *Error) {
		e.UserMessage = message
	}
}

// WithRetryable overrides the retryability derived from the kind.
// Use sparingly: callers rely on the kind table being predictive.
func WithRetryable(retryable bool) ErrorOption {
	return func(e *Error) {
		e.Retryable = retryable
	}
}

// WithErrorContext attaches a structured detail to the error.
// Repeated calls accumulate into the Context map.
func WithErrorContext(key string, value any) ErrorOption {
	return func(e *Error) {
		if e.Context == nil {
			e.Context = make(map[string]any)
		}
		e.Context[key] = value
	}
}

// WithCause records the underlying error. The cause stays reachable through
// errors.Is and errors.As on the returned Error.
func WithCause(cause error) ErrorOption {
	return func(e *Error) {
		e.cause = cause
	}
}

// WithCorrelationID sets an explicit correlation id, for propagating an id
// issued upstream instead of generating a fresh one.
func WithCorrelationID(id string) ErrorOption {
	return func(e *Error) {
		e.CorrelationID = id
	}
}

// NewError creates a classified error of the given kind. Severity, status
// code, user message, and retryability default from the kind table; options
// override them. A correlation id and timestamp are stamped automatically.
//
// Example:
//
//	return resilience.NewError(resilience.KindBusinessLogicError,
//	    "order total below minimum",
//	    resilience.WithErrorContext("order_id", orderID),
//	)
func NewError(kind ErrorKind, message string, opts ...ErrorOption) *Error {
	profile := profileFor(kind)
	e := &Error{
		Kind:        kind,
		Message:     message,
		UserMessage: profile.userMessage,
		Severity:    profile.severity,
		StatusCode:  profile.statusCode,
		Retryable:   profile.retryable,
		Timestamp:   time.Now(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = newCorrelationID()
	}

	return e
}

// newCorrelationID generates an id of the form err_<unix-millis>_<suffix>.
// The suffix is the first eight hex characters of a random UUID.
func newCorrelationID() string {
	return fmt.Sprintf("err_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Error implements the error interface. The cause is appended unless its
// message is already the message of this error.
func (e *Error) Error() string {
	if e.cause != nil && !strings.EqualFold(e.cause.Error(), e.Message) {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches classified errors by kind, so
// errors.Is(err, &Error{Kind: KindCircuitOpen}) works as a category check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsRetryable reports whether an error is worth retrying. The error is
// classified first, so raw errors from drivers and clients are supported.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
