package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	resilience "github.com/forgeview/go-resilience"
)

var _ = Describe("CircuitBreaker Error Classification", func() {
	var (
		ctx    context.Context
		mock   *mockBreakerOperation
		logger *slog.Logger
	)

	newBreaker := func(name string) *resilience.CircuitBreaker[string] {
		return resilience.NewCircuitBreaker[string](name,
			resilience.WithFailureThreshold(3),
			resilience.WithResetTimeout(10*time.Second),
			resilience.WithCircuitBreakerLogger(logger),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		mock = &mockBreakerOperation{
			invokeFunc: func(ctx context.Context) (string, error) {
				return "success", nil
			},
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
	})

	Describe("Default TaxonomyClassifier", func() {
		Context("Rate Limit Errors", func() {
			It("does not count 429 responses toward the threshold", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(429, errors.New("rate limited"))
				}

				breaker := newBreaker("rate-limit-status")
				for i := 0; i < 5; i++ {
					_, _ = breaker.Execute(ctx, mock.Invoke)
				}

				Expect(breaker.State()).To(Equal(resilience.StateClosed))
				Expect(mock.getCallCount()).To(Equal(5))
			})

			It("does not count the rate limit sentinel toward the threshold", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", pkgerrors.ErrRateLimited
				}

				breaker := newBreaker("rate-limit-sentinel")
				for i := 0; i < 5; i++ {
					_, _ = breaker.Execute(ctx, mock.Invoke)
				}

				Expect(breaker.State()).To(Equal(resilience.StateClosed))
			})
		})

		Context("Cancellation", func() {
			It("does not count context canceled toward the threshold", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", context.Canceled
				}

				breaker := newBreaker("canceled")
				for i := 0; i < 5; i++ {
					_, _ = breaker.Execute(ctx, mock.Invoke)
				}

				Expect(breaker.State()).To(Equal(resilience.StateClosed))
			})
		})

		Context("Timeouts", func() {
			It("counts context deadline exceeded as a failure", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", context.DeadlineExceeded
				}

				breaker := newBreaker("deadline")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})

			It("counts timeout sentinels as failures", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", pkgerrors.NewTimeoutError("operation timeout", "test_operation", 5*time.Second)
				}

				breaker := newBreaker("timeout-sentinel")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})
		})

		Context("Server Errors (5xx)", func() {
			It("trips on 500 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(500, errors.New("internal server error"))
				}

				breaker := newBreaker("status-500")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})

			It("trips on 502 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(502, errors.New("bad gateway"))
				}

				breaker := newBreaker("status-502")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})

			It("trips on 503 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				breaker := newBreaker("status-503")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})

			It("trips on 504 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(504, errors.New("gateway timeout"))
				}

				breaker := newBreaker("status-504")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})
		})

		Context("Client Errors (4xx)", func() {
			// Client errors are real failures of the call and count toward
			// the threshold. Only rate limiting is exempt.
			It("trips on 400 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(400, errors.New("bad request"))
				}

				breaker := newBreaker("status-400")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})

			It("trips on 404 errors", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(404, errors.New("not found"))
				}

				breaker := newBreaker("status-404")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})
		})

		Context("Unknown Errors", func() {
			It("trips on errors without a status code", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", errors.New("unknown error")
				}

				breaker := newBreaker("unknown")
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)
				_, _ = breaker.Execute(ctx, mock.Invoke)

				Expect(breaker.State()).To(Equal(resilience.StateOpen))
			})
		})
	})

	Describe("Custom CircuitBreakerErrorClassifier", func() {
		It("trips only on errors the classifier flags", func() {
			customClassifier := &customCircuitBreakerClassifier{
				tripMessage: "critical error",
			}

			mock.invokeFunc = func(ctx context.Context) (string, error) {
				return "", errors.New("critical error")
			}

			breaker := resilience.NewCircuitBreaker[string]("custom-trip",
				resilience.WithFailureThreshold(3),
				resilience.WithCircuitBreakerErrorClassifier(customClassifier),
				resilience.WithCircuitBreakerLogger(logger),
			)

			_, _ = breaker.Execute(ctx, mock.Invoke)
			_, _ = breaker.Execute(ctx, mock.Invoke)
			_, _ = breaker.Execute(ctx, mock.Invoke)

			Expect(breaker.State()).To(Equal(resilience.StateOpen))
		})

		It("ignores errors the classifier does not flag", func() {
			customClassifier := &customCircuitBreakerClassifier{
				tripMessage: "critical error",
			}

			mock.invokeFunc = func(ctx context.Context) (string, error) {
				return "", errors.New("harmless error")
			}

			breaker := resilience.NewCircuitBreaker[string]("custom-ignore",
				resilience.WithFailureThreshold(3),
				resilience.WithCircuitBreakerErrorClassifier(customClassifier),
				resilience.WithCircuitBreakerLogger(logger),
			)

			for i := 0; i < 10; i++ {
				_, _ = breaker.Execute(ctx, mock.Invoke)
			}

			Expect(breaker.State()).To(Equal(resilience.StateClosed))
			Expect(mock.getCallCount()).To(Equal(10))
		})
	})
})

// customCircuitBreakerClassifier is a test classifier that trips on a specific error message.
type customCircuitBreakerClassifier struct {
	tripMessage string
}

func (c *customCircuitBreakerClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == c.tripMessage
}
