// Package retry holds the retry policies used by the sign-in flow and the
// background workers. Callers describe how often to try and how long to
// wait; the decision to give up is made here and nowhere else.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Unbounded as MaxAttempts retries until the context is done.
const Unbounded = -1

// Policy describes a retry schedule.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Unbounded lifts the cap; other values below 1 are treated as 1.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Exponential doubles the delay after every attempt, capped by MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
}

// Once is a policy that never retries.
var Once = Policy{MaxAttempts: 1}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay doubles up to maxDelay.
func Exponential(attempts int, initial, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Exponential: true, MaxDelay: maxDelay}
}

// Forever returns an exponential policy that only stops when the context
// is done or op returns a Permanent error.
func Forever(initial, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: Unbounded, Delay: initial, Exponential: true, MaxDelay: maxDelay}
}

// Notify is called before each retry with the failed attempt number
// (starting at 1), its error and the wait until the next attempt.
type Notify func(attempt int, err error, next time.Duration)

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// After asks Do to wait d before the next attempt and to restart the
// schedule from its initial delay afterwards.
func After(d time.Duration) error {
	return &backoff.RetryAfterError{Duration: d}
}

// attempts maps the policy to backoff's cap, where 0 means no cap.
func (p Policy) attempts() uint {
	if p.MaxAttempts == Unbounded {
		return 0
	}
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

func (p Policy) backOff() backoff.BackOff {
	if p.Delay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < p.Delay {
		b.MaxInterval = p.Delay
	}
	return b
}

// Do runs op under p. op receives the 1-based attempt number. The last
// error is returned when attempts run out; a Permanent error or a
// cancelled context stops immediately.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error), notify Notify) (T, error) {
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		// the attempt cap is the only limit; disable the elapsed-time default
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(attempt, err, next)
		}))
	}
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(attempt)
	}, opts...)
}
