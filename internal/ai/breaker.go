package ai

import (
	"sync"
	"time"
)

// CircuitState is one of Closed, Open or HalfOpen.
type CircuitState interface {
	circuitState()
	String() string
}

// Closed lets every call through and counts consecutive failures.
type Closed struct {
	Failures int
}

// Open rejects calls until the reset timeout has elapsed since Since.
type Open struct {
	Since time.Time
}

// HalfOpen lets a limited number of trial calls through.
type HalfOpen struct {
	TrialsUsed int
}

func (Closed) circuitState()   {}
func (Open) circuitState()     {}
func (HalfOpen) circuitState() {}

func (Closed) String() string   { return "closed" }
func (Open) String() string     { return "open" }
func (HalfOpen) String() string { return "half-open" }

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxAttempts int
}

// CircuitBreaker stops calling a failing model for ResetTimeout, then
// probes it with trial calls.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     CircuitState
	now       func() time.Time
	listeners []func(from, to CircuitState)
}

// NewCircuitBreaker returns a closed breaker. now defaults to time.Now.
func NewCircuitBreaker(cfg BreakerConfig, now func() time.Time) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxAttempts < 1 {
		cfg.HalfOpenMaxAttempts = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: Closed{}, now: now}
}

// OnStateChange registers fn to run after every transition.
func (b *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reserves permission for one call. It returns a *CircuitOpenError
// while the breaker is open or the half-open trials are used up.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	from := b.state
	var err error
	switch s := b.state.(type) {
	case Closed:
	case Open:
		elapsed := b.now().Sub(s.Since)
		if elapsed < b.cfg.ResetTimeout {
			err = &CircuitOpenError{RetryAfter: b.cfg.ResetTimeout - elapsed}
		} else {
			b.state = HalfOpen{TrialsUsed: 1}
		}
	case HalfOpen:
		if s.TrialsUsed >= b.cfg.HalfOpenMaxAttempts {
			err = &CircuitOpenError{}
		} else {
			b.state = HalfOpen{TrialsUsed: s.TrialsUsed + 1}
		}
	}
	b.unlockAndNotify(from)
	return err
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state.(type) {
	case Closed, HalfOpen:
		b.state = Closed{}
	case Open:
	}
	b.unlockAndNotify(from)
}

// RecordFailure counts a failed call. Reaching the threshold while closed,
// or any trial failure, opens the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch s := b.state.(type) {
	case Closed:
		if s.Failures+1 >= b.cfg.FailureThreshold {
			b.state = Open{Since: b.now()}
		} else {
			b.state = Closed{Failures: s.Failures + 1}
		}
	case HalfOpen:
		b.state = Open{Since: b.now()}
	case Open:
	}
	b.unlockAndNotify(from)
}

// Abandon returns a half-open trial slot for a call that was reserved but
// never reached the model.
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	from := b.state
	if s, ok := b.state.(HalfOpen); ok && s.TrialsUsed > 0 {
		b.state = HalfOpen{TrialsUsed: s.TrialsUsed - 1}
	}
	b.unlockAndNotify(from)
}

// Reset forces the breaker closed with counters zeroed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed{}
	b.unlockAndNotify(from)
}

// unlockAndNotify releases the lock and runs listeners when the state kind
// changed. Listeners run outside the lock.
func (b *CircuitBreaker) unlockAndNotify(from CircuitState) {
	to := b.state
	listeners := b.listeners
	b.mu.Unlock()
	if from.String() == to.String() {
		return
	}
	for _, fn := range listeners {
		fn(from, to)
	}
}
