package ai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/config"
)

// scriptedProvider replays one reply per call; the last reply repeats.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []reply
	requests []CompletionRequest
	// snapshot, when set, is appended to the requested model in replies.
	snapshot string
}

type reply struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	r := p.replies[min(len(p.requests), len(p.replies))-1]
	if r.err != nil {
		return nil, r.err
	}
	c := &Completion{Text: r.text, PromptTokens: 1000, CompletionTokens: 500}
	if p.snapshot != "" {
		c.Model = req.Model + p.snapshot
	}
	return c, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models = config.Models{
		Default:    "gpt-4o",
		Fallback:   "gpt-4o-mini",
		Analysis:   "gpt-4o-mini",
		Generation: "gpt-4o",
	}
	cfg.RateLimit = config.RateLimit{}
	cfg.CircuitBreaker.FailureThreshold = 3
	return cfg
}

type engineFixture struct {
	engine   *Engine
	provider *scriptedProvider
	clock    *fakeClock
	sleep    *recordingSleep
	registry *prometheus.Registry
}

func newEngineFixture(t *testing.T, cfg *config.Config, replies ...reply) *engineFixture {
	t.Helper()
	f := &engineFixture{
		provider: &scriptedProvider{replies: replies},
		clock:    newFakeClock(),
		sleep:    &recordingSleep{},
		registry: prometheus.NewRegistry(),
	}
	state := NewClientState(BreakerConfigFrom(cfg), f.clock.Now)
	e, err := NewEngine(cfg, f.provider, state,
		WithSleep(f.sleep.Sleep),
		WithClock(f.clock.Now),
		WithMetrics(NewMetrics(f.registry)),
	)
	require.NoError(t, err)
	f.engine = e
	return f
}

func loginAnalysis() *analysis.ApplicationAnalysis {
	return &analysis.ApplicationAnalysis{
		URL:   "https://example.com/login",
		Title: "Login",
		Elements: []analysis.IdentifiedElement{
			{Type: "input", Attributes: analysis.Attributes{"name": "email"}, XPath: "/html/body/form/input[1]"},
			{Type: "button", Attributes: analysis.Attributes{"text": "Sign in"}, XPath: "/html/body/form/button"},
		},
	}
}

var errUnavailable = errors.New("503 service unavailable")

func TestGenerateTestSpecificationSuccess(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: validSpecJSON})

	spec, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), LearningContext{"avoid": "captcha"})
	require.NoError(t, err)
	assert.Equal(t, "Login works", spec.TestName)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.JSON)
	assert.Contains(t, req.Prompt, "https://example.com/login")
	assert.Contains(t, req.Prompt, "captcha")
	assert.Equal(t, 4000, req.Parameters.MaxTokens)

	logs := f.engine.GetLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, OperationGeneration, logs[0].Operation)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, 1000, logs[0].PromptTokens)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.metrics.attempts.WithLabelValues("generation", "success")))
	assert.Equal(t, 1000.0, testutil.ToFloat64(f.engine.metrics.tokens.WithLabelValues("gpt-4o", "prompt")))
	assert.InDelta(t, 0.0075, testutil.ToFloat64(f.engine.metrics.cost.WithLabelValues("gpt-4o")), 1e-9)
}

func TestGenerateTestSpecificationRetriesTransientFailures(t *testing.T) {
	f := newEngineFixture(t, testConfig(),
		reply{err: errUnavailable},
		reply{err: errUnavailable},
		reply{text: validSpecJSON},
	)

	spec, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.NoError(t, err)
	assert.NotNil(t, spec)

	assert.Equal(t, 3, f.provider.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleep.delays)
	// The last attempt switches to the fallback model.
	assert.Equal(t, "gpt-4o", f.provider.requests[1].Model)
	assert.Equal(t, "gpt-4o-mini", f.provider.requests[2].Model)

	logs := f.engine.GetLogs()
	require.Len(t, logs, 3)
	assert.Equal(t, OutcomeFailure, logs[0].Outcome)
	assert.Equal(t, errUnavailable.Error(), logs[0].Error)
	assert.Equal(t, OutcomeSuccess, logs[2].Outcome)
	assert.Equal(t, 3, logs[2].Attempt)

	assert.Equal(t, Closed{}, f.engine.CircuitState())
}

func TestGenerateTestSpecificationMaxRetries(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{err: errUnavailable})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, f.provider.calls())
	assert.Len(t, f.engine.GetLogs(), 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.engine.metrics.circuitState), "three failures open the breaker")
}

func TestGenerateTestSpecificationValidationNotRetried(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: `{"testName": "", "description": "d", "tags": [], "steps": []}`})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrValidation)
	assert.EqualError(t, err, "AI generated invalid test specification")
	assert.Equal(t, 1, f.provider.calls())
	assert.Empty(t, f.sleep.delays)
	assert.Equal(t, Closed{}, f.engine.CircuitState(), "a well-formed reply is a breaker success")
}

func TestCircuitOpenRejectsWithoutCalling(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	f := newEngineFixture(t, cfg, reply{err: errUnavailable})

	for i := 0; i < 3; i++ {
		_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
		require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	}
	require.Equal(t, "open", f.engine.CircuitState().String())
	f.engine.ClearLogs()

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, f.provider.calls())
	assert.Empty(t, f.engine.GetLogs(), "rejected calls never reach the model")
}

func TestCircuitOpensMidRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 5
	cfg.CircuitBreaker.FailureThreshold = 2
	f := newEngineFixture(t, cfg, reply{err: errUnavailable})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, f.provider.calls())
}

func TestCircuitRecoversAfterResetTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 1
	f := newEngineFixture(t, cfg, reply{err: errUnavailable}, reply{text: validSpecJSON})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	_, err = f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	f.clock.Advance(time.Minute)
	_, err = f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.NoError(t, err)
	assert.Equal(t, Closed{}, f.engine.CircuitState())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.engine.metrics.circuitState))
}

func TestResetCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 1
	f := newEngineFixture(t, cfg, reply{err: errUnavailable}, reply{text: validSpecJSON})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.Error(t, err)
	require.Equal(t, "open", f.engine.CircuitState().String())

	f.engine.ResetCircuit()
	assert.Equal(t, Closed{}, f.engine.CircuitState())
	_, err = f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	assert.NoError(t, err)
}

func TestCanceledContextDoesNotCountAsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newEngineFixture(t, testConfig(), reply{text: validSpecJSON})

	_, err := f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.provider.calls())
	assert.Equal(t, Closed{}, f.engine.CircuitState())
}

type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutIsRetriedAndLogged(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Timeout.GenerationTimeoutMs = 1
	state := NewClientState(BreakerConfigFrom(cfg), nil)
	e, err := NewEngine(cfg, blockingProvider{}, state, WithSleep((&recordingSleep{}).Sleep))
	require.NoError(t, err)

	_, err = e.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, ErrTimeout)

	logs := e.GetLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, OutcomeTimeout, logs[0].Outcome)
	assert.Equal(t, Closed{Failures: 2}, e.CircuitState())
}

func TestSuggestFlows(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: `{"flows": [
		{"name": "Log in", "steps": ["Type email", "Click Sign in"]},
		{"name": "", "steps": ["ignored"]}
	]}`})

	flows, err := f.engine.SuggestFlows(context.Background(), loginAnalysis())
	require.NoError(t, err)
	assert.Equal(t, []analysis.Flow{{Name: "Log in", Steps: []string{"Type email", "Click Sign in"}}}, flows)

	require.Len(t, f.provider.requests, 1)
	assert.Equal(t, "gpt-4o-mini", f.provider.requests[0].Model)
	assert.Equal(t, analysisSystemPrompt, f.provider.requests[0].System)
	assert.Equal(t, OperationAnalysis, f.engine.GetLogs()[0].Operation)
}

func TestSuggestFlowsRejectsGarbage(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: "no flows today"})

	_, err := f.engine.SuggestFlows(context.Background(), loginAnalysis())
	assert.Error(t, err)
}

func TestBudgetBlocksScopedCalls(t *testing.T) {
	cfg := testConfig()
	f := newEngineFixture(t, cfg, reply{text: validSpecJSON})
	budget := NewBudget(Quota{Requests: 1}, Quota{}, f.clock.Now)
	WithBudget(budget)(f.engine)

	ctx := WithScope(context.Background(), Scope{UserID: "u1", ProjectID: "p1"})
	_, err := f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.NoError(t, err)
	usage := budget.UserUsage("u1")
	assert.Equal(t, 1, usage.Requests)
	assert.Equal(t, 1500, usage.Tokens)
	assert.InDelta(t, 0.0075, usage.Cost, 1e-9)

	_, err = f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrUsageLimitExceeded)
	assert.Equal(t, 1, f.provider.calls())

	// Unscoped calls are not metered.
	_, err = f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	assert.NoError(t, err)
}

func TestUsageIsPricedUnderConfiguredModel(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: validSpecJSON})
	f.provider.snapshot = "-2024-08-06"
	budget := NewBudget(Quota{Cost: 0.001}, Quota{}, f.clock.Now)
	WithBudget(budget)(f.engine)

	ctx := WithScope(context.Background(), Scope{UserID: "u1"})
	_, err := f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0075, budget.UserUsage("u1").Cost, 1e-9)
	assert.InDelta(t, 0.0075, testutil.ToFloat64(f.engine.metrics.cost.WithLabelValues("gpt-4o")), 1e-9)
	assert.Equal(t, 1000.0, testutil.ToFloat64(f.engine.metrics.tokens.WithLabelValues("gpt-4o", "prompt")))

	_, err = f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.ErrorIs(t, err, ErrUsageLimitExceeded)
	assert.Equal(t, 1, f.provider.calls())
}

func TestRequestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerMinute = 1
	f := newEngineFixture(t, cfg, reply{text: validSpecJSON})

	_, err := f.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.NoError(t, err)

	// The next token is a minute away, past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request rate limit")
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, f.provider.calls())
	assert.Len(t, f.engine.GetLogs(), 1)
	assert.Empty(t, f.sleep.delays)
}

func TestTokenReservationIsClampedToBucket(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.TokensPerMinute = 100
	require.Greater(t, cfg.Parameters.MaxTokens, cfg.RateLimit.TokensPerMinute)
	f := newEngineFixture(t, cfg, reply{text: validSpecJSON})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.calls())
}

func TestZeroRateLimitsAreDisabled(t *testing.T) {
	f := newEngineFixture(t, testConfig(), reply{text: validSpecJSON})
	assert.Equal(t, rate.Inf, f.engine.requests.Limit())
	assert.Equal(t, rate.Inf, f.engine.tokens.Limit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 5 {
		_, err := f.engine.GenerateTestSpecification(ctx, loginAnalysis(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, f.provider.calls())
}

func TestIndependentClientStates(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 1

	failing := newEngineFixture(t, cfg, reply{err: errUnavailable})
	healthy := newEngineFixture(t, cfg, reply{text: validSpecJSON})

	_, err := failing.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.Error(t, err)
	assert.Equal(t, "open", failing.engine.CircuitState().String())

	_, err = healthy.engine.GenerateTestSpecification(context.Background(), loginAnalysis(), nil)
	require.NoError(t, err)
	assert.Equal(t, "closed", healthy.engine.CircuitState().String())
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(nil, &scriptedProvider{}, nil)
	assert.Error(t, err)
	_, err = NewEngine(testConfig(), nil, nil)
	assert.Error(t, err)

	e, err := NewEngine(testConfig(), &scriptedProvider{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scripted", e.Provider())
	assert.Equal(t, Closed{}, e.CircuitState())
}
