// Package testcase holds the persisted test case entity and its badger store.
package testcase

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no test case has the requested ID.
var ErrNotFound = errors.New("test case not found")

// Type and priority values assigned to generated test cases.
const (
	TypeUI         = "ui"
	PriorityMedium = "medium"
)

// TestStep is one concrete, executable step.
type TestStep struct {
	StepNumber     int    `json:"stepNumber"`
	Action         string `json:"action"`
	Target         string `json:"target"`
	Value          string `json:"value,omitempty"`
	ExpectedResult string `json:"expectedResult"`
}

// CreateInput is the payload accepted by CreateTestCase.
type CreateInput struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Steps       []TestStep `json:"steps"`
	ProjectID   string     `json:"projectId"`
	SuiteID     string     `json:"suiteId"`
	Tags        []string   `json:"tags"`
	Priority    string     `json:"priority"`
}

// TestCase is a stored test case.
type TestCase struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Steps       []TestStep `json:"steps"`
	ProjectID   string     `json:"projectId"`
	SuiteID     string     `json:"suiteId"`
	Tags        []string   `json:"tags"`
	Priority    string     `json:"priority"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
