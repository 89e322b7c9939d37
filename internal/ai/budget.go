package ai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelPrice is the cost in dollars per 1K tokens.
type ModelPrice struct {
	Prompt     float64
	Completion float64
}

// Pricing maps model names to prices.
type Pricing map[string]ModelPrice

// Cost estimates the dollar cost of a completion. Unknown models cost 0.
func (p Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.Prompt + float64(completionTokens)/1000*price.Completion
}

// Quota is a daily allowance; zero fields are unlimited.
type Quota struct {
	Requests int
	Tokens   int
	Cost     float64
}

// Usage is what a user or project consumed today.
type Usage struct {
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

func (u Usage) exceeds(q Quota) string {
	switch {
	case q.Requests > 0 && u.Requests >= q.Requests:
		return "requests"
	case q.Tokens > 0 && u.Tokens >= q.Tokens:
		return "tokens"
	case q.Cost > 0 && u.Cost >= q.Cost:
		return "cost"
	}
	return ""
}

// Scope attributes model usage to a user and project.
type Scope struct {
	UserID    string
	ProjectID string
}

type scopeKey struct{}

// WithScope attaches s to ctx so the Engine can enforce and record usage.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope attached to ctx.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Budget tracks daily usage per user and per project. Counters reset at the
// start of each UTC day.
type Budget struct {
	mu         sync.Mutex
	perUser    Quota
	perProject Quota
	now        func() time.Time
	day        string
	users      map[string]*Usage
	projects   map[string]*Usage
}

// NewBudget returns an empty Budget. now defaults to time.Now.
func NewBudget(perUser, perProject Quota, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{
		perUser:    perUser,
		perProject: perProject,
		now:        now,
		users:      make(map[string]*Usage),
		projects:   make(map[string]*Usage),
	}
}

// Check fails with ErrUsageLimitExceeded when the scope's user or project
// has used up a daily quota.
func (b *Budget) Check(s Scope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if s.UserID != "" {
		if u, ok := b.users[s.UserID]; ok {
			if what := u.exceeds(b.perUser); what != "" {
				return fmt.Errorf("%w: user %s daily %s", ErrUsageLimitExceeded, s.UserID, what)
			}
		}
	}
	if s.ProjectID != "" {
		if u, ok := b.projects[s.ProjectID]; ok {
			if what := u.exceeds(b.perProject); what != "" {
				return fmt.Errorf("%w: project %s daily %s", ErrUsageLimitExceeded, s.ProjectID, what)
			}
		}
	}
	return nil
}

// Record adds one request with its tokens and cost to the scope.
func (b *Budget) Record(s Scope, tokens int, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	add := func(m map[string]*Usage, id string) {
		if id == "" {
			return
		}
		u, ok := m[id]
		if !ok {
			u = &Usage{}
			m[id] = u
		}
		u.Requests++
		u.Tokens += tokens
		u.Cost += cost
	}
	add(b.users, s.UserID)
	add(b.projects, s.ProjectID)
}

// UserUsage returns today's usage for a user.
func (b *Budget) UserUsage(id string) Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if u, ok := b.users[id]; ok {
		return *u
	}
	return Usage{}
}

// ProjectUsage returns today's usage for a project.
func (b *Budget) ProjectUsage(id string) Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if u, ok := b.projects[id]; ok {
		return *u
	}
	return Usage{}
}

func (b *Budget) rollover() {
	day := b.now().UTC().Format(time.DateOnly)
	if day == b.day {
		return
	}
	b.day = day
	b.users = make(map[string]*Usage)
	b.projects = make(map[string]*Usage)
}
