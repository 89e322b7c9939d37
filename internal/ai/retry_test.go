package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleep struct {
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetryPolicyDelays(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}, p.Delays())

	assert.Nil(t, RetryPolicy{MaxAttempts: 1}.Delays())
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	sleep := &recordingSleep{}
	r := Retrier{
		Policy: RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2},
		Sleep:  sleep.Sleep,
	}

	var attempts []int
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("503")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleep.delays)
}

func TestRetrierMaxRetries(t *testing.T) {
	sleep := &recordingSleep{}
	r := Retrier{
		Policy: RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		Sleep:  sleep.Sleep,
	}
	last := errors.New("connection reset")

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, last)
	var maxErr *MaxRetriesError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 3, maxErr.Attempts)
	assert.Len(t, sleep.delays, 2, "no sleep after the final attempt")
}

func TestRetrierPermanentStops(t *testing.T) {
	sleep := &recordingSleep{}
	r := Retrier{Policy: RetryPolicy{MaxAttempts: 5, Multiplier: 2}, Sleep: sleep.Sleep}

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return backoff.Permanent(&CircuitOpenError{})
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Empty(t, sleep.delays)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{
		Policy: RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
		Sleep:  Sleep,
	}

	calls := 0
	err := r.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 0))
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
