// Package reliability provides retry and circuit breaking helpers.
//
// This package implements:
//   - Retry policies: exponential backoff and fixed delay
//   - Retry / RetryNotify: run an operation until it succeeds or the policy gives up
//   - Circuit Breaker: fail fast while a dependency keeps failing
//
// The broker connection uses the backoff policies to reconnect, the hub
// client guards its HTTP calls with a circuit breaker.
//
// Example usage:
//
//	policy := reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 5)
//	err := reliability.Retry(ctx, "connect", policy, func(ctx context.Context) error {
//	    return transport.Connect(ctx)
//	})
package reliability
