package ai

import (
	"sync"
	"time"
)

// Outcome classifies a model attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// CallLogEntry records one model attempt.
type CallLogEntry struct {
	Timestamp        time.Time     `json:"timestamp"`
	Operation        Operation     `json:"operation"`
	Model            string        `json:"model"`
	Outcome          Outcome       `json:"outcome"`
	Latency          time.Duration `json:"latency"`
	Attempt          int           `json:"attempt"`
	Error            string        `json:"error,omitempty"`
	PromptTokens     int           `json:"promptTokens,omitempty"`
	CompletionTokens int           `json:"completionTokens,omitempty"`
}

// CallLog is an append-only, in-memory record of model attempts.
type CallLog struct {
	mu      sync.Mutex
	entries []CallLogEntry
}

// Append adds an entry.
func (l *CallLog) Append(e CallLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log in append order.
func (l *CallLog) Entries() []CallLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops every entry.
func (l *CallLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// ClientState is the mutable state of one Engine: its breaker and call log.
// Engines that share a ClientState share breaker decisions; give each
// tenant its own to keep them independent.
type ClientState struct {
	Breaker *CircuitBreaker
	Log     *CallLog
}

// NewClientState returns a closed breaker and an empty log.
func NewClientState(cfg BreakerConfig, now func() time.Time) *ClientState {
	return &ClientState{
		Breaker: NewCircuitBreaker(cfg, now),
		Log:     &CallLog{},
	}
}
