package ai

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for comparison with errors.Is.
var (
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrValidation         = errors.New("AI generated invalid test specification")
	ErrMissingAPIKey      = errors.New("missing API key")
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")
	ErrTimeout            = errors.New("model request timed out")
	ErrEmptyCompletion    = errors.New("empty completion")
)

// CircuitOpenError is returned without calling the model while the breaker is open.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", ErrCircuitOpen, e.RetryAfter.Round(time.Millisecond))
	}
	return ErrCircuitOpen.Error()
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// MaxRetriesError is returned when every attempt failed with a transient error.
type MaxRetriesError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrMaxRetriesExceeded, e.Attempts, e.Last)
}

func (e *MaxRetriesError) Is(target error) bool { return target == ErrMaxRetriesExceeded }

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// ValidationError reports a model response that breaks the specification
// contract. It is never retried.
type ValidationError struct {
	Problems []string
}

// Error always returns the fixed contract message; details are in Problems.
func (e *ValidationError) Error() string { return ErrValidation.Error() }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Detail joins the individual problems for logging.
func (e *ValidationError) Detail() string { return strings.Join(e.Problems, "; ") }
