package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff decides whether a failed attempt is retried and how long to wait first
type Backoff interface {
	// Next returns the delay before retrying after the given failed attempt
	// (0-based) and false when no attempts are left
	Next(attempt int) (time.Duration, bool)
}

// ExponentialBackoff grows the delay by Multiplier after every attempt.
// A negative MaxAttempts retries forever.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// Next implements Backoff
func (e *ExponentialBackoff) Next(attempt int) (time.Duration, bool) {
	if e.MaxAttempts >= 0 && attempt >= e.MaxAttempts {
		return 0, false
	}
	return e.Delay(attempt), true
}

// Delay returns the delay after the given attempt
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15%
	if e.Jitter {
		delay = delay + rand.Float64()*0.3*delay - 0.15*delay
	}

	return time.Duration(delay)
}

// FixedDelay waits the same delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

// Next implements Backoff
func (f *FixedDelay) Next(attempt int) (time.Duration, bool) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return 0, false
	}
	return f.Delay, true
}

// Notify is called before every retry
type Notify func(attempt int, delay time.Duration, err error)

// Retry runs fn until it succeeds, fails permanently, the policy gives up or
// ctx is done. Exhausted retries return a *RetryError.
func Retry(ctx context.Context, op string, policy Backoff, fn func(ctx context.Context) error) error {
	return RetryNotify(ctx, op, policy, fn, nil)
}

// RetryNotify is Retry with a callback before each retry
func RetryNotify(ctx context.Context, op string, policy Backoff, fn func(ctx context.Context) error, notify Notify) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		delay, ok := policy.Next(attempt)
		if !ok {
			return &RetryError{
				Op:        op,
				Attempts:  attempt + 1,
				LastError: err,
				Duration:  time.Since(start),
			}
		}

		if notify != nil {
			notify(attempt+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
