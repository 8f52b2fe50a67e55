package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RequestContext carries the HTTP request details attached to a logged error.
type RequestContext struct {
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Record is the persisted form of a classified error, one row per failure.
type Record struct {
	ErrorID    string         `json:"error_id"`
	Kind       ErrorKind      `json:"kind"`
	Severity   Severity       `json:"severity"`
	StatusCode int            `json:"status_code"`
	Message    string         `json:"message"`
	Method     string         `json:"method,omitempty"`
	URL        string         `json:"url,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ErrorSink persists error records. Implementations are expected to be safe
// for concurrent use; failures are contained by the Handler and never reach
// the caller.
type ErrorSink interface {
	Persist(ctx context.Context, record Record) error
}

// SinkFunc adapts a function to the ErrorSink interface.
type SinkFunc func(ctx context.Context, record Record) error

// Persist implements ErrorSink.
func (f SinkFunc) Persist(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// AlertHandler reacts to critical errors: paging, chat notifications,
// incident creation. Handlers run concurrently and isolated, so one
// misbehaving handler cannot block or crash the others.
type AlertHandler func(ctx context.Context, appErr *Error) error

// Handler is the error handling facade. It classifies incoming errors,
// writes structured log lines at severity-mapped levels, persists records
// through the configured sink, fans critical errors out to alert handlers,
// and formats API responses that never leak internals in production.
type Handler struct {
	config      *HandlerConfig
	logger      *slog.Logger
	fallback    *slog.Logger
	sink        ErrorSink
	environment string

	mu            sync.RWMutex
	alertHandlers []AlertHandler
}

// NewHandler creates an error handler facade with the provided options.
//
// Example:
//
//	handler := resilience.NewHandler(
//	    resilience.WithSink(dbSink),
//	    resilience.WithEnvironment("production"),
//	)
func NewHandler(opts ...HandlerOption) *Handler {
	config := DefaultHandlerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Handler{
		config: config,
		logger: config.Logger,
		// Last-resort output for when the sink itself fails.
		fallback:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		sink:        config.Sink,
		environment: config.Environment,
	}
}

// AddAlertHandler registers a handler invoked for every critical error.
func (h *Handler) AddAlertHandler(fn AlertHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alertHandlers = append(h.alertHandlers, fn)
}

// LogOption attaches call-site details to a single LogError call.
type LogOption func(*logCall)

// logCall collects the per-call details for one logged error.
type logCall struct {
	request *RequestContext
	userID  string
}

// WithRequestContext attaches the HTTP request details to the logged error.
func WithRequestContext(request RequestContext) LogOption {
	return func(c *logCall) {
		c.request = &request
	}
}

// WithUserID attaches the acting user's id to the logged error.
func WithUserID(userID string) LogOption {
	return func(c *logCall) {
		c.userID = userID
	}
}

// LogError classifies the error, logs it at a severity-mapped level,
// persists it through the sink, and fans critical errors out to the alert
// handlers. The classified error is returned so callers can propagate it.
// Sink and alert failures are contained and never returned.
func (h *Handler) LogError(ctx context.Context, err error, opts ...LogOption) *Error {
	appErr := Classify(err)
	if appErr == nil {
		return nil
	}

	call := logCall{}
	for _, opt := range opts {
		opt(&call)
	}

	attrs := []any{
		"kind", string(appErr.Kind),
		"severity", string(appErr.Severity),
		"status_code", appErr.StatusCode,
		"correlation_id", appErr.CorrelationID,
		"retryable", appErr.Retryable,
	}
	if call.request != nil {
		attrs = append(attrs,
			"method", call.request.Method,
			"path", call.request.Path,
			"ip", call.request.IP)
	}
	if call.userID != "" {
		attrs = append(attrs, "user_id", call.userID)
	}
	if len(appErr.Context) > 0 {
		attrs = append(attrs, "context", appErr.Context)
	}

	h.logger.Log(ctx, severityLevel(appErr.Severity), appErr.Message, attrs...)

	h.persist(ctx, appErr, call)

	if appErr.Severity == SeverityCritical {
		h.alert(ctx, appErr)
	}

	return appErr
}

// severityLevel maps taxonomy severities onto slog levels.
func severityLevel(severity Severity) slog.Level {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// persist writes the record through the sink. A failing or panicking sink
// is reported on the fallback logger; the original error always wins.
func (h *Handler) persist(ctx context.Context, appErr *Error, call logCall) {
	if h.sink == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.fallback.Error("error sink panicked",
				"panic", fmt.Sprint(rec),
				"correlation_id", appErr.CorrelationID,
				"original_error", appErr.Message)
		}
	}()

	record := Record{
		ErrorID:    appErr.CorrelationID,
		Kind:       appErr.Kind,
		Severity:   appErr.Severity,
		StatusCode: appErr.StatusCode,
		Message:    appErr.Message,
		UserID:     call.userID,
		Context:    appErr.Context,
		CreatedAt:  appErr.Timestamp,
	}
	if call.request != nil {
		record.Method = call.request.Method
		record.URL = call.request.Path
		record.IPAddress = call.request.IP
		record.UserAgent = call.request.UserAgent
	}

	if err := h.sink.Persist(ctx, record); err != nil {
		h.fallback.Error("error sink unavailable",
			"sink_error", err,
			"correlation_id", appErr.CorrelationID,
			"original_error", appErr.Message)
	}
}

// alert fans the error out to every registered alert handler and waits for
// them. Each handler runs in its own goroutine with panic isolation.
func (h *Handler) alert(ctx context.Context, appErr *Error) {
	h.mu.RLock()
	handlers := make([]AlertHandler, len(h.alertHandlers))
	copy(handlers, h.alertHandlers)
	h.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range handlers {
		wg.Add(1)
		go func(fn AlertHandler) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					h.logger.Error("alert handler panicked",
						"panic", fmt.Sprint(rec),
						"correlation_id", appErr.CorrelationID)
				}
			}()
			if err := fn(ctx, appErr); err != nil {
				h.logger.Error("alert handler failed",
					"error", err,
					"correlation_id", appErr.CorrelationID)
			}
		}(fn)
	}
	wg.Wait()
}

// APIResponse is the HTTP rendering of a classified error.
type APIResponse struct {
	StatusCode int          `json:"status_code"`
	Body       APIErrorBody `json:"body"`
}

// APIErrorBody wraps the error detail under the conventional "error" key.
type APIErrorBody struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail is the client-visible error payload.
type APIErrorDetail struct {
	// Message is the user-facing message, never the internal one.
	Message string `json:"message"`

	// Code is the failure kind.
	Code ErrorKind `json:"code"`

	// CorrelationID lets support staff find the full record.
	CorrelationID string `json:"correlationId"`

	// Debug carries internals outside production. Omitted in production.
	Debug *APIErrorDebug `json:"debug,omitempty"`
}

// APIErrorDebug is the non-production diagnostic payload.
type APIErrorDebug struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// HandleAPIError classifies the error and formats the HTTP response an API
// layer should return. Outside production the response carries a debug
// section with the internal message and context; in production only the
// user message, kind, and correlation id are exposed.
func (h *Handler) HandleAPIError(err error) APIResponse {
	appErr := Classify(err)
	if appErr == nil {
		appErr = NewError(KindInternalServerError, "handle called without an error")
	}

	detail := APIErrorDetail{
		Message:       appErr.UserMessage,
		Code:          appErr.Kind,
		CorrelationID: appErr.CorrelationID,
	}

	if h.environment != "production" {
		detail.Debug = &APIErrorDebug{
			Message: appErr.Message,
			Context: appErr.Context,
		}
	}

	return APIResponse{
		StatusCode: appErr.StatusCode,
		Body:       APIErrorBody{Error: detail},
	}
}
