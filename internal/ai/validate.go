package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/v0xg/uitestgen/internal/testspec"
)

// rawSpecification mirrors the model's JSON. Pointers and nil slices
// distinguish missing fields from empty ones.
type rawSpecification struct {
	TestName    *string   `json:"testName" validate:"required,min=1"`
	Description *string   `json:"description" validate:"required"`
	Steps       []rawStep `json:"steps" validate:"required,min=1,dive"`
	Tags        []string  `json:"tags" validate:"required"`
}

type rawStep struct {
	Action             string        `json:"action" validate:"step_action"`
	Description        looseString   `json:"description"`
	ElementDescription looseString   `json:"elementDescription"`
	Value              looseString   `json:"value"`
	Assertion          *rawAssertion `json:"assertion"`
}

type rawAssertion struct {
	Type     string      `json:"type" validate:"assertion_type"`
	Expected looseString `json:"expected"`
}

// looseString accepts JSON strings, numbers and booleans. Models often
// emit wait durations and expected values unquoted.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*s = looseString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*s = looseString(strconv.FormatBool(x))
	default:
		return fmt.Errorf("expected a scalar, got %s", data)
	}
	return nil
}

var specValidate = newSpecValidator()

func newSpecValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("step_action", func(fl validator.FieldLevel) bool {
		return testspec.Action(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("assertion_type", func(fl validator.FieldLevel) bool {
		return testspec.AssertionType(fl.Field().String()).Valid()
	})
	return v
}

// ValidateResponse parses raw model output and enforces the specification
// contract: a non-empty testName, a description, at least one step, known
// actions and assertion types, and a tags array. Any violation returns a
// *ValidationError; nothing is partially accepted.
func ValidateResponse(raw string) (*testspec.Specification, error) {
	objectJSON, err := extractJSON(raw, '{', '}')
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	var rs rawSpecification
	if err := json.Unmarshal([]byte(objectJSON), &rs); err != nil {
		return nil, &ValidationError{Problems: []string{"decode: " + err.Error()}}
	}

	if err := specValidate.Struct(rs); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
		return nil, &ValidationError{Problems: problems}
	}

	return rs.specification(), nil
}

func (rs rawSpecification) specification() *testspec.Specification {
	spec := &testspec.Specification{
		TestName:    *rs.TestName,
		Description: *rs.Description,
		Steps:       make([]testspec.Step, len(rs.Steps)),
		Tags:        rs.Tags,
	}
	for i, s := range rs.Steps {
		step := testspec.Step{
			Action:             testspec.Action(s.Action),
			Description:        string(s.Description),
			ElementDescription: string(s.ElementDescription),
			Value:              string(s.Value),
		}
		if s.Assertion != nil {
			step.Assertion = &testspec.Assertion{
				Type:     testspec.AssertionType(s.Assertion.Type),
				Expected: string(s.Assertion.Expected),
			}
		}
		spec.Steps[i] = step
	}
	return spec
}
