package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/forgeview/go-resilience"
)

// mockOperation simulates a downstream call for testing
type mockOperation struct {
	invokeFunc func(ctx context.Context) (string, error)
	callCount  atomic.Int32
}

func (m *mockOperation) Invoke(ctx context.Context) (string, error) {
	m.callCount.Add(1)
	return m.invokeFunc(ctx)
}

func (m *mockOperation) getCallCount() int {
	return int(m.callCount.Load())
}

// mockErrorClassifier for testing
type mockErrorClassifier struct {
	isRetryableFunc func(err error) bool
}

func (m *mockErrorClassifier) IsRetryable(err error) bool {
	return m.isRetryableFunc(err)
}

var _ = Describe("Retrier", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mock   *mockOperation
		logger *slog.Logger
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		mock = &mockOperation{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Quiet during tests
		}))
	})

	AfterEach(func() {
		cancel()
	})

	Describe("NewRetrier", func() {
		It("creates a retrier with default config", func() {
			retrier := resilience.NewRetrier[string]()
			Expect(retrier).NotTo(BeNil())
		})

		It("creates a retrier with custom options", func() {
			retrier := resilience.NewRetrier[string](
				resilience.WithMaxAttempts(5),
				resilience.WithExponentialBackoff(time.Millisecond, 100*time.Millisecond),
				resilience.WithRetryLogger(logger),
			)
			Expect(retrier).NotTo(BeNil())
		})
	})

	Describe("Execute", func() {
		Context("successful operation", func() {
			It("returns response on first attempt", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				Expect(mock.getCallCount()).To(Equal(1))

				// Check stats
				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(1)))
				Expect(stats.TotalRetries).To(Equal(int64(0)))
				Expect(stats.TotalSuccesses).To(Equal(int64(1)))
				Expect(stats.TotalFailures).To(Equal(int64(0)))
			})
		})

		Context("retryable errors", func() {
			It("retries on retryable error and succeeds", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				Expect(mock.getCallCount()).To(Equal(3))

				// Check stats
				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(3)))
				Expect(stats.TotalRetries).To(Equal(int64(2)))
				Expect(stats.TotalSuccesses).To(Equal(int64(1)))
				Expect(stats.TotalFailures).To(Equal(int64(0)))
			})

			It("exhausts retries on persistent error", func() {
				baseErr := errors.New("service unavailable")
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, baseErr)
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(resp).To(Equal(""))
				Expect(mock.getCallCount()).To(Equal(3))

				// The last error surfaces classified, with the cause reachable
				var appErr *resilience.Error
				Expect(errors.As(err, &appErr)).To(BeTrue())
				Expect(appErr.Kind).To(Equal(resilience.KindExternalServiceUnavailable))
				Expect(errors.Is(err, baseErr)).To(BeTrue())

				// Check stats
				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(3)))
				Expect(stats.TotalRetries).To(Equal(int64(2)))
				Expect(stats.TotalSuccesses).To(Equal(int64(0)))
				Expect(stats.TotalFailures).To(Equal(int64(1)))
				Expect(stats.LastError).To(HaveOccurred())
			})
		})

		Context("non-retryable errors", func() {
			It("does not retry on non-retryable error", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(400, errors.New("bad request"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(resp).To(Equal(""))
				Expect(mock.getCallCount()).To(Equal(1))

				var appErr *resilience.Error
				Expect(errors.As(err, &appErr)).To(BeTrue())
				Expect(appErr.Kind).To(Equal(resilience.KindValidationFailed))
				Expect(appErr.Retryable).To(BeFalse())

				// Check stats
				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(1)))
				Expect(stats.TotalRetries).To(Equal(int64(0)))
				Expect(stats.TotalSuccesses).To(Equal(int64(0)))
				Expect(stats.TotalFailures).To(Equal(int64(1)))
			})
		})

		Context("context cancellation", func() {
			It("returns immediately when context is already done", func() {
				canceledCtx, cancelNow := context.WithCancel(context.Background())
				cancelNow() // Cancel immediately

				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(canceledCtx, mock.Invoke)
				Expect(err).To(Equal(context.Canceled))
				Expect(resp).To(Equal(""))
				Expect(mock.getCallCount()).To(Equal(0))
			})

			It("stops retrying when context is canceled during retry", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount == 2 {
						cancel() // Cancel after second attempt
						time.Sleep(50 * time.Millisecond)
					}
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(Equal(context.Canceled))
				Expect(resp).To(Equal(""))
				Expect(mock.getCallCount()).To(BeNumerically("<=", 3))
			})

			It("handles context deadline exceeded", func() {
				shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer shortCancel()

				mock.invokeFunc = func(ctx context.Context) (string, error) {
					time.Sleep(100 * time.Millisecond)
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(shortCtx, mock.Invoke)
				Expect(err).To(Or(Equal(context.DeadlineExceeded), MatchError(ContainSubstring("deadline exceeded"))))
				Expect(resp).To(Equal(""))
			})
		})

		Context("backoff strategies", func() {
			It("uses exponential backoff", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				start := time.Now()
				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithExponentialBackoff(50*time.Millisecond, 500*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				elapsed := time.Since(start)

				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				// Should have delays: ~50ms, ~100ms (with jitter)
				Expect(elapsed).To(BeNumerically(">=", 100*time.Millisecond))
				Expect(elapsed).To(BeNumerically("<", 300*time.Millisecond))
			})

			It("uses constant backoff", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				start := time.Now()
				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(50*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				elapsed := time.Since(start)

				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				// Should have delays: ~50ms, ~50ms (with jitter)
				Expect(elapsed).To(BeNumerically(">=", 80*time.Millisecond))
				Expect(elapsed).To(BeNumerically("<", 150*time.Millisecond))
			})

			It("uses fibonacci backoff", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				start := time.Now()
				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithFibonacciBackoff(50*time.Millisecond, 500*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				elapsed := time.Since(start)

				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				// Should have delays: ~50ms, ~50ms (fibonacci: 1, 1, 2, 3, 5...)
				Expect(elapsed).To(BeNumerically(">=", 80*time.Millisecond))
				Expect(elapsed).To(BeNumerically("<", 200*time.Millisecond))
			})

			It("applies a custom multiplier", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				start := time.Now()
				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithExponentialBackoff(40*time.Millisecond, 500*time.Millisecond),
					resilience.WithMultiplier(3.0),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				elapsed := time.Since(start)

				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
				// Should have delays: ~40ms, ~120ms (with jitter)
				Expect(elapsed).To(BeNumerically(">=", 140*time.Millisecond))
				Expect(elapsed).To(BeNumerically("<", 300*time.Millisecond))
			})
		})

		Context("max attempts enforcement", func() {
			It("enforces max attempts limit", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(mock.getCallCount()).To(Equal(5))
			})

			It("caps max attempts at 1000", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					// Succeed immediately to avoid long test
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(2000), // Should be capped at 1000
					resilience.WithConstantBackoff(time.Microsecond),
					resilience.WithRetryLogger(logger),
				)

				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))
			})

			It("handles zero max attempts", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(0),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(mock.getCallCount()).To(Equal(0))
			})

			It("handles negative max attempts", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(-1),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(mock.getCallCount()).To(Equal(0))
			})
		})

		Context("custom error classifier", func() {
			It("retries according to the custom classifier", func() {
				customErr := errors.New("custom error")
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", customErr
				}

				classifier := &mockErrorClassifier{
					isRetryableFunc: func(err error) bool {
						return errors.Is(err, customErr)
					},
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, mock.Invoke)
				Expect(errors.Is(err, customErr)).To(BeTrue())
				Expect(mock.getCallCount()).To(Equal(3))
			})

			It("gives up immediately when the classifier rejects everything", func() {
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", errors.New("some error")
				}

				classifier := &mockErrorClassifier{
					isRetryableFunc: func(err error) bool {
						return false
					},
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithErrorClassifier(classifier),
					resilience.WithRetryLogger(logger),
				)

				_, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())
				Expect(mock.getCallCount()).To(Equal(1))
			})
		})

		Context("thread safety", func() {
			It("handles concurrent operations safely", func() {
				successCount := atomic.Int32{}
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					successCount.Add(1)
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(3),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				const concurrency = 100
				var wg sync.WaitGroup
				wg.Add(concurrency)

				for i := 0; i < concurrency; i++ {
					go func() {
						defer wg.Done()
						resp, err := retrier.Execute(ctx, mock.Invoke)
						Expect(err).NotTo(HaveOccurred())
						Expect(resp).To(Equal("success"))
					}()
				}

				wg.Wait()
				Expect(int(successCount.Load())).To(Equal(concurrency))

				// Check stats are consistent
				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(concurrency)))
				Expect(stats.TotalSuccesses).To(Equal(int64(concurrency)))
			})
		})

		Context("GetRetryStats", func() {
			It("returns accurate statistics", func() {
				attemptCount := 0
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					attemptCount++
					if attemptCount < 3 {
						return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
					}
					return "success", nil
				}

				retrier := resilience.NewRetrier[string](
					resilience.WithMaxAttempts(5),
					resilience.WithConstantBackoff(10*time.Millisecond),
					resilience.WithRetryLogger(logger),
				)

				// First operation succeeds after 2 retries
				resp, err := retrier.Execute(ctx, mock.Invoke)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp).To(Equal("success"))

				stats := retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(3)))
				Expect(stats.TotalRetries).To(Equal(int64(2)))
				Expect(stats.TotalSuccesses).To(Equal(int64(1)))
				Expect(stats.TotalFailures).To(Equal(int64(0)))
				Expect(stats.LastAttemptTime).NotTo(BeZero())
				Expect(stats.LastError).To(BeNil())

				// Second operation fails
				mock.invokeFunc = func(ctx context.Context) (string, error) {
					return "", resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}

				_, err = retrier.Execute(ctx, mock.Invoke)
				Expect(err).To(HaveOccurred())

				stats = retrier.GetRetryStats()
				Expect(stats.TotalAttempts).To(Equal(int64(8))) // 3 + 5
				Expect(stats.TotalRetries).To(Equal(int64(6)))  // 2 + 4
				Expect(stats.TotalSuccesses).To(Equal(int64(1)))
				Expect(stats.TotalFailures).To(Equal(int64(1)))
				Expect(stats.LastError).To(HaveOccurred())
			})
		})
	})

	Describe("Retry", func() {
		It("runs an operation without constructing a retrier", func() {
			attemptCount := 0
			op := func(ctx context.Context) (int, error) {
				attemptCount++
				if attemptCount < 2 {
					return 0, resilience.NewStatusCodeError(503, errors.New("service unavailable"))
				}
				return 42, nil
			}

			result, err := resilience.Retry(ctx, op,
				resilience.WithMaxAttempts(3),
				resilience.WithConstantBackoff(10*time.Millisecond),
				resilience.WithRetryLogger(logger),
			)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(42))
			Expect(attemptCount).To(Equal(2))
		})
	})
})
