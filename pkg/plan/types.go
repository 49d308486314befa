// Package plan defines declarative endpoint-call plans, their validation and
// their dependency ordering.
package plan

import (
	"sort"
	"strings"
)

// Supported HTTP-style methods. The invoker owns what they mean on the wire.
var supportedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
	"HEAD":   true,
}

// Step is one declarative endpoint call
type Step struct {
	// StepNumber is unique within a plan and defines the default order
	StepNumber int `json:"stepNumber" yaml:"stepNumber" jsonschema:"minimum=1,description=Unique positive step number"`

	Method string `json:"method" yaml:"method" jsonschema:"minLength=1,description=Endpoint method such as GET"`

	// PathTemplate may embed {{variable}} placeholders
	PathTemplate string `json:"pathTemplate" yaml:"pathTemplate" jsonschema:"minLength=1"`

	QueryParameters map[string]string `json:"queryParameters,omitempty" yaml:"queryParameters,omitempty"`

	// DependsOn names the step that must succeed before this one runs
	DependsOn *int `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" jsonschema:"minimum=1"`

	// OutputMapping binds variable names to extraction expressions
	OutputMapping map[string]string `json:"outputMapping,omitempty" yaml:"outputMapping,omitempty"`

	// SkipIfPreviousHasResults makes this step a fallback: it runs only if the
	// referenced step came up empty
	SkipIfPreviousHasResults *int `json:"skipIfPreviousHasResults,omitempty" yaml:"skipIfPreviousHasResults,omitempty" jsonschema:"minimum=1"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Plan is an ordered collection of steps plus an explanation for humans
type Plan struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Explanation string `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`

	// Variables seeds bindings visible to every step. List values bind lists.
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// IntRef returns a pointer to n, for building DependsOn and SkipIfPreviousHasResults
func IntRef(n int) *int { return &n }

// Step returns the step with the given number
func (p *Plan) Step(n int) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return Step{}, false
}

// Clone returns a deep copy
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{ID: p.ID, Explanation: p.Explanation}
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	if p.Variables != nil {
		out.Variables = make(map[string]interface{}, len(p.Variables))
		for k, v := range p.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the step
func (s Step) Clone() Step {
	out := s
	out.QueryParameters = cloneStrings(s.QueryParameters)
	out.OutputMapping = cloneStrings(s.OutputMapping)
	if s.DependsOn != nil {
		out.DependsOn = IntRef(*s.DependsOn)
	}
	if s.SkipIfPreviousHasResults != nil {
		out.SkipIfPreviousHasResults = IntRef(*s.SkipIfPreviousHasResults)
	}
	return out
}

// QueryKeys returns the query parameter names in ascending order
func (s Step) QueryKeys() []string {
	keys := make([]string, 0, len(s.QueryParameters))
	for k := range s.QueryParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OutputVariables returns the mapped variable names in ascending order
func (s Step) OutputVariables() []string {
	keys := make([]string, 0, len(s.OutputMapping))
	for k := range s.OutputMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizedMethod upper-cases the method
func (s Step) NormalizedMethod() string {
	return strings.ToUpper(strings.TrimSpace(s.Method))
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
