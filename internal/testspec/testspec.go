// Package testspec defines the abstract, AI-authored test plan. Steps are not
// yet bound to concrete selectors.
package testspec

// Action is the closed set of step actions.
type Action string

const (
	ActionNavigate Action = "navigate"
	ActionClick    Action = "click"
	ActionType     Action = "type"
	ActionAssert   Action = "assert"
	ActionWait     Action = "wait"
)

// Actions lists every valid action in declaration order.
var Actions = []Action{ActionNavigate, ActionClick, ActionType, ActionAssert, ActionWait}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionNavigate, ActionClick, ActionType, ActionAssert, ActionWait:
		return true
	}
	return false
}

// AssertionType is the closed set of assertion kinds.
type AssertionType string

const (
	AssertExists    AssertionType = "exists"
	AssertVisible   AssertionType = "visible"
	AssertText      AssertionType = "text"
	AssertValue     AssertionType = "value"
	AssertAttribute AssertionType = "attribute"
)

// AssertionTypes lists every valid assertion type.
var AssertionTypes = []AssertionType{AssertExists, AssertVisible, AssertText, AssertValue, AssertAttribute}

// Valid reports whether t is one of the known assertion types.
func (t AssertionType) Valid() bool {
	switch t {
	case AssertExists, AssertVisible, AssertText, AssertValue, AssertAttribute:
		return true
	}
	return false
}

// Assertion is the expectation checked by an assert step.
type Assertion struct {
	Type     AssertionType `json:"type"`
	Expected string        `json:"expected,omitempty"`
}

// Step is one abstract step of a Specification.
type Step struct {
	Action             Action     `json:"action"`
	Description        string     `json:"description"`
	ElementDescription string     `json:"elementDescription,omitempty"`
	Value              string     `json:"value,omitempty"`
	Assertion          *Assertion `json:"assertion,omitempty"`
}

// Specification is a validated test plan. It always has a non-empty name and
// at least one step; treat it as immutable.
type Specification struct {
	TestName    string   `json:"testName"`
	Description string   `json:"description"`
	Steps       []Step   `json:"steps"`
	Tags        []string `json:"tags"`
}
