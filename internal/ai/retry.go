package ai

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures exponential backoff between attempts. After the
// k-th failed attempt the retrier waits min(InitialDelay * Multiplier^(k-1), MaxDelay).
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// backOff returns a jitter-free schedule for the policy.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	return b
}

// Delays returns the waits between consecutive attempts.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.backOff()
	delays := make([]time.Duration, p.MaxAttempts-1)
	for i := range delays {
		delays[i] = b.NextBackOff()
	}
	return delays
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier runs an operation under a RetryPolicy. Errors wrapped with
// backoff.Permanent stop retrying and are returned unwrapped.
type Retrier struct {
	Policy RetryPolicy
	Sleep  SleepFunc
}

// Do calls fn until it succeeds, returns a permanent error, or the attempts
// run out, in which case a *MaxRetriesError is returned.
func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	schedule := r.Policy.backOff()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, schedule.NextBackOff()); err != nil {
			return err
		}
	}
	return &MaxRetriesError{Attempts: maxAttempts, Last: lastErr}
}
