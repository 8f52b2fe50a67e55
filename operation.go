// Package resilience provides the failure-handling building blocks for Go
// services: a shared error taxonomy with an ordered classifier, retry with
// configurable backoff, a sliding-window circuit breaker, a health check
// registry with aggregation, and an error handler facade for logging,
// persistence, and alerting. All primitives operate on plain functions using
// Go generics and report through log/slog.
package resilience

import (
	"context"
)

// Operation is a unit of work protected by the resilience primitives.
// The same function shape is accepted by the retry executor, the circuit
// breaker, and combinations of the two, so an operation can be layered
// without adapters.
//
// Example:
//
//	fetchUser := func(ctx context.Context) (*User, error) {
//	    return store.GetUser(ctx, id)
//	}
//
//	user, err := resilience.Retry(ctx, fetchUser)
//
// The context controls timeouts and cancellation; operations should honor it
// and return promptly when it is done.
type Operation[T any] func(ctx context.Context) (T, error)
