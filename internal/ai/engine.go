package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/config"
	"github.com/v0xg/uitestgen/internal/testspec"
)

// Operation selects the model and timeout of a call.
type Operation string

const (
	OperationAnalysis   Operation = "analysis"
	OperationGeneration Operation = "generation"
)

// Engine is the resilient model client. It never returns an unvalidated
// specification: transient failures are retried under the retry policy and
// circuit breaker, validation failures are returned at once.
type Engine struct {
	provider Provider
	cfg      *config.Config
	state    *ClientState
	retrier  Retrier
	requests *rate.Limiter
	tokens   *rate.Limiter
	pricing  Pricing
	budget   *Budget
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.retrier.Sleep = fn }
}

// WithClock replaces time.Now for log timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBudget enables daily usage limits for calls carrying a Scope.
func WithBudget(b *Budget) Option {
	return func(e *Engine) { e.budget = b }
}

// BreakerConfigFrom converts the circuit breaker configuration section.
func BreakerConfigFrom(cfg *config.Config) BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:        config.Millis(cfg.CircuitBreaker.ResetTimeoutMs),
		HalfOpenMaxAttempts: cfg.CircuitBreaker.HalfOpenMaxAttempts,
	}
}

// NewBudgetFrom builds a Budget from the limits configuration section.
func NewBudgetFrom(cfg *config.Config, now func() time.Time) *Budget {
	quota := func(q config.Quota) Quota {
		return Quota{Requests: q.Requests, Tokens: q.Tokens, Cost: q.Cost}
	}
	return NewBudget(quota(cfg.Limits.PerUser), quota(cfg.Limits.PerProject), now)
}

// NewEngine creates an Engine. state holds the breaker and call log; pass a
// fresh NewClientState per independent client.
func NewEngine(cfg *config.Config, provider Provider, state *ClientState, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if state == nil {
		state = NewClientState(BreakerConfigFrom(cfg), nil)
	}

	pricing := make(Pricing, len(cfg.Pricing))
	for model, cost := range cfg.Pricing {
		pricing[model] = ModelPrice{Prompt: cost.Prompt, Completion: cost.Completion}
	}

	e := &Engine{
		provider: provider,
		cfg:      cfg,
		state:    state,
		retrier: Retrier{Policy: RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: config.Millis(cfg.Retry.InitialDelayMs),
			MaxDelay:     config.Millis(cfg.Retry.MaxDelayMs),
			Multiplier:   cfg.Retry.BackoffMultiplier,
		}},
		requests: perMinute(cfg.RateLimit.RequestsPerMinute),
		tokens:   perMinute(cfg.RateLimit.TokensPerMinute),
		pricing:  pricing,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.metrics.setCircuitState(state.Breaker.State())
	state.Breaker.OnStateChange(func(from, to CircuitState) {
		e.metrics.setCircuitState(to)
		e.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return e, nil
}

// perMinute returns a limiter allowing n events per minute with a burst of
// n; n <= 0 means unlimited.
func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60), n)
}

// GenerateTestSpecification asks the generation model for a test plan for
// a, optionally steered by learning, and validates it.
func (e *Engine) GenerateTestSpecification(ctx context.Context, a *analysis.ApplicationAnalysis, learning LearningContext) (*testspec.Specification, error) {
	prompt, err := buildGenerationPrompt(a, learning)
	if err != nil {
		return nil, err
	}

	text, err := e.complete(ctx, OperationGeneration, generationSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	spec, err := ValidateResponse(text)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			e.logger.Warn("model returned invalid test specification", "problems", verr.Detail())
		}
		return nil, err
	}

	e.logger.Info("generated test specification", "testName", spec.TestName, "steps", len(spec.Steps))
	return spec, nil
}

// SuggestFlows asks the analysis model for user flows worth testing on a.
func (e *Engine) SuggestFlows(ctx context.Context, a *analysis.ApplicationAnalysis) ([]analysis.Flow, error) {
	prompt, err := buildAnalysisPrompt(a)
	if err != nil {
		return nil, err
	}

	text, err := e.complete(ctx, OperationAnalysis, analysisSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	objectJSON, err := extractJSON(text, '{', '}')
	if err != nil {
		return nil, fmt.Errorf("parse suggested flows: %w", err)
	}
	var resp struct {
		Flows []analysis.Flow `json:"flows"`
	}
	if err := json.Unmarshal([]byte(objectJSON), &resp); err != nil {
		return nil, fmt.Errorf("parse suggested flows: %w", err)
	}

	flows := resp.Flows[:0]
	for _, f := range resp.Flows {
		if f.Name != "" {
			flows = append(flows, f)
		}
	}
	return flows, nil
}

// complete runs one logical model call through the budget, rate limiters,
// circuit breaker and retry policy.
func (e *Engine) complete(ctx context.Context, op Operation, system, prompt string) (string, error) {
	scope, scoped := ScopeFrom(ctx)
	if scoped && e.budget != nil {
		if err := e.budget.Check(scope); err != nil {
			return "", err
		}
	}

	model := e.modelFor(op)
	timeout := e.timeoutFor(op)
	maxAttempts := e.retrier.Policy.MaxAttempts
	params := Parameters{
		Temperature:      e.cfg.Parameters.Temperature,
		MaxTokens:        e.cfg.Parameters.MaxTokens,
		TopP:             e.cfg.Parameters.TopP,
		FrequencyPenalty: e.cfg.Parameters.FrequencyPenalty,
		PresencePenalty:  e.cfg.Parameters.PresencePenalty,
	}

	var (
		result      *Completion
		resultModel string
	)
	err := e.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := e.waitRateLimit(ctx, params.MaxTokens); err != nil {
			return backoff.Permanent(err)
		}
		if err := e.state.Breaker.Allow(); err != nil {
			e.logger.Warn("model call rejected", "operation", op, "attempt", attempt, "error", err)
			return backoff.Permanent(err)
		}

		attemptModel := model
		if fallback := e.cfg.Models.Fallback; attempt == maxAttempts && attempt > 1 && fallback != "" && fallback != model {
			attemptModel = fallback
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := e.now()
		c, err := e.provider.Complete(callCtx, CompletionRequest{
			Model:      attemptModel,
			System:     system,
			Prompt:     prompt,
			Parameters: params,
			JSON:       true,
		})
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()
		latency := e.now().Sub(start)

		entry := CallLogEntry{
			Timestamp: start,
			Operation: op,
			Model:     attemptModel,
			Latency:   latency,
			Attempt:   attempt,
		}

		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; that says nothing about the model.
				e.state.Breaker.Abandon()
				entry.Outcome, entry.Error = OutcomeCanceled, ctx.Err().Error()
				e.record(entry)
				return backoff.Permanent(ctx.Err())
			}
			entry.Outcome = OutcomeFailure
			if timedOut {
				entry.Outcome = OutcomeTimeout
				err = fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
			}
			entry.Error = err.Error()
			e.state.Breaker.RecordFailure()
			e.record(entry)
			e.logger.Warn("model call failed",
				"operation", op, "model", attemptModel, "attempt", attempt,
				"latency", latency, "outcome", entry.Outcome, "error", err)
			return err
		}

		e.state.Breaker.RecordSuccess()
		entry.Outcome = OutcomeSuccess
		entry.PromptTokens, entry.CompletionTokens = c.PromptTokens, c.CompletionTokens
		e.record(entry)
		e.logger.Debug("model call succeeded",
			"operation", op, "model", attemptModel, "servedBy", c.Model, "attempt", attempt, "latency", latency,
			"promptTokens", c.PromptTokens, "completionTokens", c.CompletionTokens)
		result, resultModel = c, attemptModel
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMaxRetriesExceeded) {
			e.logger.Error("model call exhausted retries", "operation", op, "attempts", maxAttempts, "error", err)
		}
		return "", err
	}

	// Providers answer with dated snapshot names; usage is priced and
	// reported under the configured model.
	cost := e.pricing.Cost(resultModel, result.PromptTokens, result.CompletionTokens)
	e.metrics.observeUsage(resultModel, result.PromptTokens, result.CompletionTokens, cost)
	if scoped && e.budget != nil {
		e.budget.Record(scope, result.PromptTokens+result.CompletionTokens, cost)
	}
	return result.Text, nil
}

func (e *Engine) waitRateLimit(ctx context.Context, maxTokens int) error {
	if err := e.requests.Wait(ctx); err != nil {
		return fmt.Errorf("request rate limit: %w", err)
	}
	if e.tokens.Limit() == rate.Inf {
		return nil
	}
	n := int(math.Min(float64(maxTokens), float64(e.tokens.Burst())))
	if err := e.tokens.WaitN(ctx, n); err != nil {
		return fmt.Errorf("token rate limit: %w", err)
	}
	return nil
}

func (e *Engine) record(entry CallLogEntry) {
	e.state.Log.Append(entry)
	e.metrics.observeAttempt(entry.Operation, entry.Outcome)
}

func (e *Engine) modelFor(op Operation) string {
	switch op {
	case OperationAnalysis:
		if e.cfg.Models.Analysis != "" {
			return e.cfg.Models.Analysis
		}
	case OperationGeneration:
		if e.cfg.Models.Generation != "" {
			return e.cfg.Models.Generation
		}
	}
	return e.cfg.Models.Default
}

func (e *Engine) timeoutFor(op Operation) time.Duration {
	ms := 0
	switch op {
	case OperationAnalysis:
		ms = e.cfg.Timeout.AnalysisTimeoutMs
	case OperationGeneration:
		ms = e.cfg.Timeout.GenerationTimeoutMs
	}
	if ms <= 0 {
		ms = e.cfg.Timeout.RequestTimeoutMs
	}
	return config.Millis(ms)
}

// GetLogs returns every recorded attempt in order.
func (e *Engine) GetLogs() []CallLogEntry {
	return e.state.Log.Entries()
}

// ClearLogs empties the call log.
func (e *Engine) ClearLogs() {
	e.state.Log.Clear()
}

// ResetCircuit forces the breaker closed with counters zeroed.
func (e *Engine) ResetCircuit() {
	e.state.Breaker.Reset()
}

// CircuitState returns the breaker's current state.
func (e *Engine) CircuitState() CircuitState {
	return e.state.Breaker.State()
}

// Provider returns the underlying provider's name.
func (e *Engine) Provider() string {
	return e.provider.Name()
}
