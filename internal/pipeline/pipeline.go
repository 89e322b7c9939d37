// Package pipeline runs page analysis, test specification generation and
// test case generation end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/v0xg/uitestgen/internal/ai"
	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/testcase"
	"github.com/v0xg/uitestgen/internal/testspec"
)

// Analyzer captures a page.
type Analyzer interface {
	Analyze(ctx context.Context, url string) (*analysis.ApplicationAnalysis, error)
}

// SpecEngine produces validated test specifications.
type SpecEngine interface {
	SuggestFlows(ctx context.Context, a *analysis.ApplicationAnalysis) ([]analysis.Flow, error)
	GenerateTestSpecification(ctx context.Context, a *analysis.ApplicationAnalysis, learning ai.LearningContext) (*testspec.Specification, error)
}

// CaseGenerator converts a specification into a stored test case.
type CaseGenerator interface {
	Generate(ctx context.Context, spec *testspec.Specification, a *analysis.ApplicationAnalysis, projectID, suiteID, userID string) (*testcase.TestCase, error)
}

// Request describes one generation run. Either URL or Analysis must be set;
// a given Analysis skips crawling.
type Request struct {
	URL         string
	Analysis    *analysis.ApplicationAnalysis
	Learning    ai.LearningContext
	SuggestFlow bool
	ProjectID   string
	SuiteID     string
	UserID      string
}

// Result is the outcome of a run.
type Result struct {
	Analysis      *analysis.ApplicationAnalysis
	Specification *testspec.Specification
	TestCase      *testcase.TestCase
}

// Progress is called as each stage starts.
type Progress func(stage string)

// Pipeline wires the stages together.
type Pipeline struct {
	analyzer  Analyzer
	engine    SpecEngine
	generator CaseGenerator
	logger    *slog.Logger
}

// New returns a Pipeline. analyzer may be nil when every request carries an
// Analysis.
func New(analyzer Analyzer, engine SpecEngine, generator CaseGenerator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{analyzer: analyzer, engine: engine, generator: generator, logger: logger}
}

// Run analyzes the page, asks the model for a test specification and stores
// the resulting test case. Model usage is attributed to the request's user
// and project. No test case is stored when the specification cannot be
// produced.
func (p *Pipeline) Run(ctx context.Context, req Request, progress Progress) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	ctx = ai.WithScope(ctx, ai.Scope{UserID: req.UserID, ProjectID: req.ProjectID})

	a := req.Analysis
	if a == nil {
		if req.URL == "" {
			return nil, errors.New("a URL or a page analysis is required")
		}
		if p.analyzer == nil {
			return nil, errors.New("page analysis is not available")
		}
		progress("analyze")
		var err error
		a, err = p.analyzer.Analyze(ctx, req.URL)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", req.URL, err)
		}
	}

	if req.SuggestFlow {
		progress("flows")
		flows, err := p.engine.SuggestFlows(ctx, a)
		if err != nil {
			p.logger.Warn("flow suggestion failed, continuing with detected flows", "error", err)
		} else {
			a = withFlows(a, flows)
		}
	}

	progress("specification")
	spec, err := p.engine.GenerateTestSpecification(ctx, a, req.Learning)
	if err != nil {
		return nil, fmt.Errorf("generate test specification: %w", err)
	}

	progress("testcase")
	tc, err := p.generator.Generate(ctx, spec, a, req.ProjectID, req.SuiteID, req.UserID)
	if err != nil {
		return nil, err
	}

	p.logger.Info("test case generated", "id", tc.ID, "name", tc.Name, "steps", len(tc.Steps))
	return &Result{Analysis: a, Specification: spec, TestCase: tc}, nil
}

// withFlows returns a copy of a with the suggested flows appended. Flows
// whose name is already present are ignored.
func withFlows(a *analysis.ApplicationAnalysis, flows []analysis.Flow) *analysis.ApplicationAnalysis {
	if len(flows) == 0 {
		return a
	}
	out := *a
	out.Flows = make([]analysis.Flow, 0, len(a.Flows)+len(flows))
	out.Flows = append(out.Flows, a.Flows...)

	seen := make(map[string]bool, len(a.Flows))
	for _, f := range a.Flows {
		seen[strings.ToLower(f.Name)] = true
	}
	for _, f := range flows {
		key := strings.ToLower(f.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Flows = append(out.Flows, f)
	}
	return &out
}
