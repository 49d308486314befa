package plan

import (
	"sort"
	"strings"

	"github.com/itsneelabh/labelagent/pkg/payload"
	"github.com/itsneelabh/labelagent/pkg/placeholder"
)

// Validate applies the domain rules to a plan built in code or already
// decoded. It returns a *ValidationError wrapping ErrInvalidPlan.
func (p *Plan) Validate() error {
	_, err := p.Compile()
	return err
}

// Compile validates the plan and returns its execution graph
func (p *Plan) Compile() (*Graph, error) {
	var ps problems

	for _, s := range p.Steps {
		validateStep(&ps, s)
	}
	for name := range p.Variables {
		if !validVariableName(name) {
			ps.add(PhaseDomain, 0, "variables", "invalid variable name %q", name)
		}
	}

	lists := p.ListVariables()
	for _, s := range p.Steps {
		referenced := referencedNames(s)
		var listed []string
		for _, name := range referenced {
			if lists[name] {
				listed = append(listed, name)
			}
		}
		if len(listed) > 1 {
			ps.add(PhaseDomain, s.StepNumber, "", "references more than one list-valued variable %v", listed)
		}
	}

	g, gerr := NewGraph(p.Steps)
	if gerr != nil {
		if ve, ok := gerr.(*ValidationError); ok {
			ps = append(ps, ve.Problems...)
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}
	return g, nil
}

func validateStep(ps *problems, s Step) {
	n := s.StepNumber
	if n <= 0 {
		ps.add(PhaseDomain, 0, "stepNumber", "step number must be positive, got %d", n)
	}

	method := s.NormalizedMethod()
	switch {
	case method == "":
		ps.add(PhaseDomain, n, "method", "method is required")
	case !supportedMethods[method]:
		ps.add(PhaseDomain, n, "method", "unsupported method %q", s.Method)
	}

	if strings.TrimSpace(s.PathTemplate) == "" {
		ps.add(PhaseDomain, n, "pathTemplate", "path template is required")
	} else if _, err := placeholder.Parse(s.PathTemplate); err != nil {
		ps.add(PhaseDomain, n, "pathTemplate", "%v", err)
	}

	for _, k := range s.QueryKeys() {
		if k == "" {
			ps.add(PhaseDomain, n, "queryParameters", "empty query parameter name")
			continue
		}
		if _, err := placeholder.Parse(s.QueryParameters[k]); err != nil {
			ps.add(PhaseDomain, n, "queryParameters."+k, "%v", err)
		}
	}

	for _, name := range s.OutputVariables() {
		if !validVariableName(name) {
			ps.add(PhaseDomain, n, "outputMapping", "invalid variable name %q", name)
		}
		if _, err := payload.ParseExpression(s.OutputMapping[name]); err != nil {
			ps.add(PhaseDomain, n, "outputMapping."+name, "%v", err)
		}
	}
}

// ListVariables reports the variables that may hold a list: those bound by a
// list-mode ([]) output expression and list-valued seeds.
func (p *Plan) ListVariables() map[string]bool {
	out := make(map[string]bool)
	for _, s := range p.Steps {
		for name, expr := range s.OutputMapping {
			if e, err := payload.ParseExpression(expr); err == nil && e.List {
				out[name] = true
			}
		}
	}
	for name, v := range p.Variables {
		if _, ok := v.([]interface{}); ok {
			out[name] = true
		}
	}
	return out
}

// ReferencedVariables returns the distinct placeholder names a step uses,
// path first then query parameters in key order
func (s Step) ReferencedVariables() []string {
	return referencedNames(s)
}

func referencedNames(s Step) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(text string) {
		t, err := placeholder.Parse(text)
		if err != nil {
			return
		}
		for _, name := range t.Names() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	add(s.PathTemplate)
	for _, k := range s.QueryKeys() {
		add(s.QueryParameters[k])
	}
	return names
}

func validVariableName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, "{} \t\n")
}

// SortProblems orders problems by phase, step and field for stable output
func SortProblems(ps []Problem) {
	rank := map[Phase]int{PhaseStructural: 0, PhaseSemantic: 1, PhaseDomain: 2}
	sort.SliceStable(ps, func(i, j int) bool {
		if rank[ps[i].Phase] != rank[ps[j].Phase] {
			return rank[ps[i].Phase] < rank[ps[j].Phase]
		}
		if ps[i].Step != ps[j].Step {
			return ps[i].Step < ps[j].Step
		}
		return ps[i].Field < ps[j].Field
	})
}
