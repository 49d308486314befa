package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is wrapped by every plan validation failure
var ErrInvalidPlan = errors.New("invalid plan")

// Phase names the validation stage that reported a problem
type Phase string

const (
	PhaseStructural Phase = "structural"
	PhaseSemantic   Phase = "semantic"
	PhaseDomain     Phase = "domain"
)

// Problem is one validation finding. Step is 0 for plan-level problems.
type Problem struct {
	Phase   Phase  `json:"phase"`
	Step    int    `json:"step,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	loc := p.Field
	if p.Step > 0 {
		loc = fmt.Sprintf("steps[%d].%s", p.Step, p.Field)
		loc = strings.TrimSuffix(loc, ".")
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", p.Phase, p.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", p.Phase, loc, p.Message)
}

// ValidationError rejects a plan before any step runs
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrInvalidPlan.Error()
	}
	msg := fmt.Sprintf("%s: %s", ErrInvalidPlan, e.Problems[0])
	if n := len(e.Problems) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPlan }

type problems []Problem

func (ps *problems) add(phase Phase, step int, field, format string, args ...interface{}) {
	*ps = append(*ps, Problem{Phase: phase, Step: step, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (ps problems) err() error {
	if len(ps) == 0 {
		return nil
	}
	return &ValidationError{Problems: ps}
}
