package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/uitestgen/internal/ai"
	"github.com/v0xg/uitestgen/internal/analysis"
	"github.com/v0xg/uitestgen/internal/selector"
	"github.com/v0xg/uitestgen/internal/testcase"
	"github.com/v0xg/uitestgen/internal/testgen"
	"github.com/v0xg/uitestgen/internal/testspec"
)

type fakeAnalyzer struct {
	page *analysis.ApplicationAnalysis
	err  error
	urls []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, url string) (*analysis.ApplicationAnalysis, error) {
	f.urls = append(f.urls, url)
	return f.page, f.err
}

type fakeEngine struct {
	flows     []analysis.Flow
	flowsErr  error
	spec      *testspec.Specification
	specErr   error
	seen      *analysis.ApplicationAnalysis
	learning  ai.LearningContext
	scope     ai.Scope
	flowCalls int
}

func (f *fakeEngine) SuggestFlows(ctx context.Context, a *analysis.ApplicationAnalysis) ([]analysis.Flow, error) {
	f.flowCalls++
	return f.flows, f.flowsErr
}

func (f *fakeEngine) GenerateTestSpecification(ctx context.Context, a *analysis.ApplicationAnalysis, learning ai.LearningContext) (*testspec.Specification, error) {
	f.seen = a
	f.learning = learning
	f.scope, _ = ai.ScopeFrom(ctx)
	return f.spec, f.specErr
}

func page() *analysis.ApplicationAnalysis {
	return &analysis.ApplicationAnalysis{
		URL: "https://example.com",
		Elements: []analysis.IdentifiedElement{
			{Type: "button", XPath: "/html/body/button", Attributes: analysis.Attributes{"id": "buy", "text": "Buy now"}},
		},
		Flows: []analysis.Flow{{Name: "Buy", Steps: []string{"Click Buy now"}}},
	}
}

func spec() *testspec.Specification {
	return &testspec.Specification{
		TestName: "Buy",
		Tags:     []string{"checkout"},
		Steps: []testspec.Step{
			{Action: testspec.ActionNavigate, Value: "https://example.com"},
			{Action: testspec.ActionClick, Description: "Buy", ElementDescription: "buy now"},
		},
	}
}

func newStore(t *testing.T) *testcase.Store {
	t.Helper()
	store, err := testcase.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunEndToEnd(t *testing.T) {
	analyzer := &fakeAnalyzer{page: page()}
	engine := &fakeEngine{
		spec:  spec(),
		flows: []analysis.Flow{{Name: "buy", Steps: []string{"dup"}}, {Name: "Browse", Steps: []string{"Scroll"}}},
	}
	store := newStore(t)
	p := New(analyzer, engine, testgen.New(selector.New(), store), nil)

	var stages []string
	res, err := p.Run(context.Background(), Request{
		URL:         "https://example.com",
		Learning:    ai.LearningContext{"hint": "x"},
		SuggestFlow: true,
		ProjectID:   "proj",
		SuiteID:     "suite",
		UserID:      "user",
	}, func(stage string) { stages = append(stages, stage) })
	require.NoError(t, err)

	assert.Equal(t, []string{"analyze", "flows", "specification", "testcase"}, stages)
	assert.Equal(t, []string{"https://example.com"}, analyzer.urls)
	assert.Equal(t, ai.Scope{UserID: "user", ProjectID: "proj"}, engine.scope)
	assert.Equal(t, ai.LearningContext{"hint": "x"}, engine.learning)

	// Suggested flows are merged without duplicates and without touching the input.
	assert.Equal(t, []analysis.Flow{
		{Name: "Buy", Steps: []string{"Click Buy now"}},
		{Name: "Browse", Steps: []string{"Scroll"}},
	}, engine.seen.Flows)
	assert.Len(t, analyzer.page.Flows, 1)

	tc := res.TestCase
	require.NotNil(t, tc)
	assert.Equal(t, "#buy", tc.Steps[1].Target)
	assert.Equal(t, []string{"checkout", "ai-generated"}, tc.Tags)

	stored, err := store.List(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, tc.ID, stored[0].ID)
}

func TestRunWithGivenAnalysisSkipsCrawl(t *testing.T) {
	engine := &fakeEngine{spec: spec()}
	p := New(nil, engine, testgen.New(nil, newStore(t)), nil)

	res, err := p.Run(context.Background(), Request{Analysis: page()}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.Analysis.URL)
	assert.Zero(t, engine.flowCalls)
}

func TestRunFlowSuggestionFailureIsNotFatal(t *testing.T) {
	engine := &fakeEngine{spec: spec(), flowsErr: ai.ErrMaxRetriesExceeded}
	p := New(&fakeAnalyzer{page: page()}, engine, testgen.New(nil, newStore(t)), nil)

	res, err := p.Run(context.Background(), Request{URL: "https://example.com", SuggestFlow: true}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Analysis.Flows, 1)
}

func TestRunStoresNothingWhenSpecFails(t *testing.T) {
	store := newStore(t)
	engine := &fakeEngine{specErr: &ai.ValidationError{Problems: []string{"steps: failed min"}}}
	p := New(&fakeAnalyzer{page: page()}, engine, testgen.New(nil, store), nil)

	_, err := p.Run(context.Background(), Request{URL: "https://example.com"}, nil)
	require.ErrorIs(t, err, ai.ErrValidation)

	stored, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRunErrors(t *testing.T) {
	engine := &fakeEngine{spec: spec()}
	gen := testgen.New(nil, newStore(t))

	_, err := New(nil, engine, gen, nil).Run(context.Background(), Request{}, nil)
	assert.Error(t, err)

	_, err = New(nil, engine, gen, nil).Run(context.Background(), Request{URL: "https://example.com"}, nil)
	assert.Error(t, err)

	crawlErr := errors.New("net::ERR_NAME_NOT_RESOLVED")
	_, err = New(&fakeAnalyzer{err: crawlErr}, engine, gen, nil).Run(context.Background(), Request{URL: "https://nope.invalid"}, nil)
	assert.ErrorIs(t, err, crawlErr)
}
