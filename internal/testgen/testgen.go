// Package testgen turns a validated test specification into a stored test
// case with concrete selectors.
package testgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/selector"
	"github.com/v0xg/uitestgen/internal/testcase"
	"github.com/v0xg/uitestgen/internal/testspec"
)

// GeneratedTag is appended to the tags of every generated test case.
const GeneratedTag = "ai-generated"

// defaultWait is the wait target, in milliseconds, when a wait step has no value.
const defaultWait = "2000"

// Degradation reasons reported by the degraded steps counter.
const (
	ReasonUnresolvedElement = "unresolved_element"
	ReasonXPathFallback     = "xpath_fallback"
	ReasonUnknownAction     = "unknown_action"
)

// TestCaseService persists test cases.
type TestCaseService interface {
	CreateTestCase(ctx context.Context, userID string, in testcase.CreateInput) (*testcase.TestCase, error)
}

// Metrics counts steps generated in a degraded way.
type Metrics struct {
	degraded *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		degraded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uitestgen_testgen_degraded_steps_total",
			Help: "Generated steps that fell back to a raw description, an xpath, or were skipped.",
		}, []string{"reason"}),
	}
}

// Generator is the test case generator.
type Generator struct {
	selectors *selector.Generator
	service   TestCaseService
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// New returns a Generator resolving selectors with selectors and storing
// results through service.
func New(selectors *selector.Generator, service TestCaseService, opts ...Option) *Generator {
	if selectors == nil {
		selectors = selector.New()
	}
	g := &Generator{
		selectors: selectors,
		service:   service,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	return g
}

// Generate converts spec into a test case for the page described by a and
// stores it on behalf of userID. Steps whose element cannot be found keep
// their description as target; steps with unknown actions are skipped.
func (g *Generator) Generate(ctx context.Context, spec *testspec.Specification, a *analysis.ApplicationAnalysis, projectID, suiteID, userID string) (*testcase.TestCase, error) {
	if spec == nil {
		return nil, errors.New("test specification is required")
	}
	if g.service == nil {
		return nil, errors.New("test case service is not configured")
	}
	if a == nil {
		a = &analysis.ApplicationAnalysis{}
	}

	steps := g.Steps(spec, a)

	tags := make([]string, 0, len(spec.Tags)+1)
	tags = append(tags, spec.Tags...)
	tags = append(tags, GeneratedTag)

	tc, err := g.service.CreateTestCase(ctx, userID, testcase.CreateInput{
		Name:        spec.TestName,
		Description: spec.Description,
		Type:        testcase.TypeUI,
		Steps:       steps,
		ProjectID:   projectID,
		SuiteID:     suiteID,
		Tags:        tags,
		Priority:    testcase.PriorityMedium,
	})
	if err != nil {
		return nil, fmt.Errorf("create test case: %w", err)
	}
	return tc, nil
}

// Steps resolves the specification's steps against a. Step numbers are
// contiguous from 1 in specification order.
func (g *Generator) Steps(spec *testspec.Specification, a *analysis.ApplicationAnalysis) []testcase.TestStep {
	steps := make([]testcase.TestStep, 0, len(spec.Steps))
	for i, s := range spec.Steps {
		step, ok := g.convert(s, a)
		if !ok {
			g.metrics.degraded.WithLabelValues(ReasonUnknownAction).Inc()
			g.logger.Warn("skipping step with unknown action", "index", i, "action", s.Action)
			continue
		}
		step.StepNumber = len(steps) + 1
		steps = append(steps, step)
	}
	return steps
}

func (g *Generator) convert(s testspec.Step, a *analysis.ApplicationAnalysis) (testcase.TestStep, bool) {
	step := testcase.TestStep{Action: string(s.Action)}
	switch s.Action {
	case testspec.ActionNavigate:
		step.Target = s.Value
		step.ExpectedResult = "Navigate to " + s.Value
	case testspec.ActionClick:
		step.Target = g.resolveTarget(s.ElementDescription, a)
		step.ExpectedResult = s.Description
	case testspec.ActionType:
		step.Target = g.resolveTarget(s.ElementDescription, a)
		step.Value = s.Value
		step.ExpectedResult = s.Description
	case testspec.ActionAssert:
		step.Target = g.resolveTarget(s.ElementDescription, a)
		step.ExpectedResult = expectedResult(s)
	case testspec.ActionWait:
		step.Target = s.Value
		if step.Target == "" {
			step.Target = defaultWait
		}
		step.ExpectedResult = s.Description
	default:
		return testcase.TestStep{}, false
	}
	return step, true
}

// resolveTarget returns a selector for the element matching description, or
// description itself when no element matches.
func (g *Generator) resolveTarget(description string, a *analysis.ApplicationAnalysis) string {
	el, ok := FindElement(description, a.Elements)
	if !ok {
		g.metrics.degraded.WithLabelValues(ReasonUnresolvedElement).Inc()
		g.logger.Warn("no element matches description, using it as target", "description", description)
		return description
	}
	sel, strategy := g.selectors.GenerateWithStrategy(el, a.Elements)
	if strategy == selector.StrategyXPath {
		g.metrics.degraded.WithLabelValues(ReasonXPathFallback).Inc()
		g.logger.Warn("no unique selector, using xpath", "description", description, "xpath", sel)
	} else {
		g.logger.Debug("resolved element", "description", description, "selector", sel, "strategy", strategy)
	}
	return sel
}

// matchOrder is the attribute cascade used by FindElement.
var matchOrder = []string{
	analysis.AttrText,
	analysis.AttrAriaLabel,
	analysis.AttrPlaceholder,
	analysis.AttrName,
	analysis.AttrID,
}

// FindElement resolves description through the attribute cascade: every
// element is checked for a text match first, then aria-label, placeholder,
// name and id. Matching is a case-insensitive substring test, so it is
// heuristic. An empty description matches nothing.
func FindElement(description string, elements []analysis.IdentifiedElement) (analysis.IdentifiedElement, bool) {
	if description == "" {
		return analysis.IdentifiedElement{}, false
	}
	needle := strings.ToLower(description)
	for _, attr := range matchOrder {
		for _, el := range elements {
			v := el.Attributes.Get(attr)
			if v != "" && strings.Contains(strings.ToLower(v), needle) {
				return el, true
			}
		}
	}
	return analysis.IdentifiedElement{}, false
}

func expectedResult(s testspec.Step) string {
	if s.Assertion == nil {
		return s.Description
	}
	switch s.Assertion.Type {
	case testspec.AssertExists:
		return "Element exists"
	case testspec.AssertVisible:
		return "Element is visible"
	case testspec.AssertText:
		return `Text equals "` + s.Assertion.Expected + `"`
	case testspec.AssertValue:
		return `Value equals "` + s.Assertion.Expected + `"`
	case testspec.AssertAttribute:
		return `Attribute equals "` + s.Assertion.Expected + `"`
	}
	return s.Description
}
