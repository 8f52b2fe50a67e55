package resilience

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// DatabaseCheck builds a probe from a ping or canary query function. Any
// error from the function marks the check unhealthy; the function is
// expected to honor the context deadline.
//
// Example:
//
//	registry.AddCheck("orders-db", resilience.DatabaseCheck(func(ctx context.Context) error {
//	    return db.PingContext(ctx)
//	}))
func DatabaseCheck(query func(ctx context.Context) error) Probe {
	return func(ctx context.Context) (CheckResult, error) {
		if err := query(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("query failed: %v", err),
			}, nil
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "ok",
		}, nil
	}
}

// HTTPCheckOption customizes an HTTPCheck probe.
type HTTPCheckOption func(*httpCheckSettings)

type httpCheckSettings struct {
	client *http.Client
}

// WithHTTPClient sets the client used by an HTTPCheck probe, for custom
// transports or TLS configuration. The probe context still bounds each
// request regardless of the client's own timeout.
func WithHTTPClient(client *http.Client) HTTPCheckOption {
	return func(s *httpCheckSettings) {
		s.client = client
	}
}

// HTTPCheck builds a probe that performs a GET against the URL. A 2xx
// response is healthy; any other status or a transport failure is
// unhealthy, with the status code recorded in the details.
//
// Example:
//
//	registry.AddCheck("payments-api", resilience.HTTPCheck("https://payments.internal/healthz"),
//	    resilience.WithCritical(false))
func HTTPCheck(url string, opts ...HTTPCheckOption) Probe {
	settings := httpCheckSettings{}
	for _, opt := range opts {
		opt(&settings)
	}

	client := settings.client
	if client == nil {
		client = &http.Client{}
	}

	return func(ctx context.Context) (CheckResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{}, err
		}

		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("request failed: %v", err),
				Details: map[string]any{"url": url},
			}, nil
		}
		defer resp.Body.Close()

		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return CheckResult{
				Status:  StatusHealthy,
				Message: "ok",
				Details: map[string]any{
					"url":         url,
					"status_code": resp.StatusCode,
				},
			}, nil
		}

		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Details: map[string]any{
				"url":         url,
				"status_code": resp.StatusCode,
			},
		}, nil
	}
}

// PgxPoolCheck builds a probe for a pgx connection pool. It pings the
// database and inspects pool utilization: above 90% the check degrades, at
// 100% the pool is exhausted and the check fails.
//
// Example:
//
//	registry.AddCheck("database", resilience.PgxPoolCheck(pool))
func PgxPoolCheck(pool *pgxpool.Pool) Probe {
	return func(ctx context.Context) (CheckResult, error) {
		if err := pool.Ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("ping failed: %v", err),
			}, nil
		}

		stats := pool.Stat()

		utilization := 0.0
		if stats.MaxConns() > 0 {
			utilization = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
		}

		status := StatusHealthy
		message := "ok"

		if utilization > 0.9 {
			status = StatusDegraded
			message = "connection pool near limit"
		}
		if utilization >= 1.0 {
			status = StatusUnhealthy
			message = "connection pool exhausted"
		}

		return CheckResult{
			Status:  status,
			Message: message,
			Details: map[string]any{
				"total_conns":    stats.TotalConns(),
				"idle_conns":     stats.IdleConns(),
				"acquired_conns": stats.AcquiredConns(),
				"max_conns":      stats.MaxConns(),
				"utilization":    fmt.Sprintf("%.1f%%", utilization*100),
			},
		}, nil
	}
}

// RedisCheck builds a probe for a Redis client. It pings the server and
// inspects connection pool statistics, degrading when the pool runs close
// to its limit.
//
// Example:
//
//	registry.AddCheck("cache", resilience.RedisCheck(client),
//	    resilience.WithCritical(false))
func RedisCheck(client redis.UniversalClient) Probe {
	return func(ctx context.Context) (CheckResult, error) {
		start := time.Now()

		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("ping failed: %v", err),
			}, nil
		}

		stats := client.PoolStats()

		utilization := 0.0
		if stats.TotalConns > 0 {
			utilization = float64(stats.TotalConns-stats.IdleConns) / float64(stats.TotalConns)
		}

		status := StatusHealthy
		message := "ok"

		if utilization > 0.9 {
			status = StatusDegraded
			message = "connection pool near limit"
		}

		return CheckResult{
			Status:  status,
			Message: message,
			Details: map[string]any{
				"total_conns": stats.TotalConns,
				"idle_conns":  stats.IdleConns,
				"stale_conns": stats.StaleConns,
				"hits":        stats.Hits,
				"misses":      stats.Misses,
				"timeouts":    stats.Timeouts,
				"ping_time":   time.Since(start).String(),
				"utilization": fmt.Sprintf("%.1f%%", utilization*100),
			},
		}, nil
	}
}
