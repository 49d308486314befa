package plan

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(n int, path string) Step {
	return Step{StepNumber: n, Method: "GET", PathTemplate: path}
}

func problemsOf(t *testing.T, err error) []Problem {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPlan))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	return ve.Problems
}

func hasProblem(ps []Problem, phase Phase, stepNumber int, field string) bool {
	for _, p := range ps {
		if p.Phase == phase && p.Step == stepNumber && p.Field == field {
			return true
		}
	}
	return false
}

func TestGraph_OrderByStepNumber(t *testing.T) {
	s2 := step(2, "/b")
	s2.DependsOn = IntRef(1)
	s3 := step(3, "/c")
	s3.DependsOn = IntRef(1)
	s3.SkipIfPreviousHasResults = IntRef(2)

	g, err := NewGraph([]Step{s3, step(1, "/a"), s2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, g.Order())
	assert.Equal(t, []int{1, 2}, g.Predecessors(3))
	assert.Equal(t, 3, g.Len())
}

func TestGraph_ForwardReferencesAreTopological(t *testing.T) {
	s1 := step(1, "/a")
	s1.DependsOn = IntRef(3)

	g, err := NewGraph([]Step{s1, step(2, "/b"), step(3, "/c")})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, g.Order())
}

func TestGraph_OrderIsStable(t *testing.T) {
	var steps []Step
	for i := 10; i >= 1; i-- {
		s := step(i, "/x")
		if i%3 == 0 {
			s.DependsOn = IntRef(1)
		}
		steps = append(steps, s)
	}

	first, err := NewGraph(steps)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		g, err := NewGraph(steps)
		require.NoError(t, err)
		assert.Equal(t, first.Order(), g.Order())
	}
}

func TestGraph_Ready(t *testing.T) {
	s2 := step(2, "/b")
	s2.DependsOn = IntRef(1)
	s4 := step(4, "/d")
	s4.SkipIfPreviousHasResults = IntRef(2)
	g, err := NewGraph([]Step{step(1, "/a"), s2, step(3, "/c"), s4})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, g.Ready(map[int]bool{}))
	assert.Equal(t, []int{2, 3}, g.Ready(map[int]bool{1: true}))
	assert.Equal(t, []int{4}, g.Ready(map[int]bool{1: true, 2: true, 3: true}))
}

func TestGraph_Rejects(t *testing.T) {
	self := step(1, "/a")
	self.DependsOn = IntRef(1)
	dangling := step(2, "/b")
	dangling.SkipIfPreviousHasResults = IntRef(9)
	a := step(5, "/a")
	a.DependsOn = IntRef(6)
	b := step(6, "/b")
	b.DependsOn = IntRef(5)

	tests := []struct {
		name  string
		steps []Step
		step  int
		field string
	}{
		{"duplicate", []Step{step(1, "/a"), step(1, "/b")}, 1, "stepNumber"},
		{"self reference", []Step{self}, 1, "dependsOn"},
		{"dangling", []Step{step(1, "/a"), dangling}, 2, "skipIfPreviousHasResults"},
		{"cycle", []Step{a, b}, 0, "steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.steps)
			ps := problemsOf(t, err)
			assert.True(t, hasProblem(ps, PhaseDomain, tt.step, tt.field), "%v", ps)
		})
	}
}

func TestValidate_DomainRules(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Step)
		step  int
		field string
	}{
		{"non-positive number", func(s *Step) { s.StepNumber = 0 }, 0, "stepNumber"},
		{"missing method", func(s *Step) { s.Method = "" }, 1, "method"},
		{"unsupported method", func(s *Step) { s.Method = "FETCH" }, 1, "method"},
		{"missing path", func(s *Step) { s.PathTemplate = " " }, 1, "pathTemplate"},
		{"malformed path", func(s *Step) { s.PathTemplate = "/a/{{id" }, 1, "pathTemplate"},
		{"malformed query", func(s *Step) { s.QueryParameters = map[string]string{"q": "{{}}"} }, 1, "queryParameters.q"},
		{"malformed expression", func(s *Step) { s.OutputMapping = map[string]string{"id": "$[x].id"} }, 1, "outputMapping.id"},
		{"bad variable name", func(s *Step) { s.OutputMapping = map[string]string{"a b": "id"} }, 1, "outputMapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := step(1, "/a")
			tt.mod(&s)
			p := &Plan{Steps: []Step{s}}
			ps := problemsOf(t, p.Validate())
			assert.True(t, hasProblem(ps, PhaseDomain, tt.step, tt.field), "%v", ps)
		})
	}
}

func TestValidate_LowercaseMethodAccepted(t *testing.T) {
	s := step(1, "/a")
	s.Method = "get"
	p := &Plan{Steps: []Step{s}}
	assert.NoError(t, p.Validate())
}

func TestValidate_MultipleListBindings(t *testing.T) {
	s1 := step(1, "/labels")
	s1.OutputMapping = map[string]string{"ids": "setId[]", "codes": "code[]", "first": "setId"}
	s2 := step(2, "/labels/{{ids}}/sections/{{codes}}")
	s2.DependsOn = IntRef(1)
	s3 := step(3, "/labels/{{ids}}/sections/{{first}}")
	s3.DependsOn = IntRef(1)

	p := &Plan{Steps: []Step{s1, s2, s3}}
	ps := problemsOf(t, p.Validate())
	assert.True(t, hasProblem(ps, PhaseDomain, 2, ""), "%v", ps)
	assert.False(t, hasProblem(ps, PhaseDomain, 3, ""), "%v", ps)

	assert.Equal(t, map[string]bool{"ids": true, "codes": true}, p.ListVariables())
}

func TestValidate_ListSeedCountsAsList(t *testing.T) {
	s := step(1, "/labels/{{ids}}")
	s.QueryParameters = map[string]string{"code": "{{codes}}"}
	p := &Plan{Steps: []Step{s}, Variables: map[string]interface{}{
		"ids":   []interface{}{"a", "b"},
		"codes": []interface{}{"x"},
	}}
	ps := problemsOf(t, p.Validate())
	assert.True(t, hasProblem(ps, PhaseDomain, 1, ""))
}

func TestStep_ReferencedVariables(t *testing.T) {
	s := step(1, "/labels/{{setId}}")
	s.QueryParameters = map[string]string{"z": "{{b}}", "a": "{{setId}}-{{c}}"}
	assert.Equal(t, []string{"setId", "c", "b"}, s.ReferencedVariables())
}

func TestPlan_CloneIsDeep(t *testing.T) {
	s := step(1, "/a")
	s.DependsOn = IntRef(2)
	s.QueryParameters = map[string]string{"q": "x"}
	p := &Plan{Steps: []Step{s, step(2, "/b")}}

	c := p.Clone()
	*c.Steps[0].DependsOn = 9
	c.Steps[0].QueryParameters["q"] = "y"

	assert.Equal(t, 2, *p.Steps[0].DependsOn)
	assert.Equal(t, "x", p.Steps[0].QueryParameters["q"])
}

const labelPlanJSON = `{
  "id": "p-1",
  "explanation": "look up the label then its sections",
  "steps": [
    {"stepNumber": 1, "method": "GET", "pathTemplate": "/api/labels/search",
     "queryParameters": {"name": "{{drug}}"}, "outputMapping": {"id": "identifier"}},
    {"stepNumber": 2, "method": "GET", "pathTemplate": "/api/labels/{{id}}", "dependsOn": 1}
  ],
  "variables": {"drug": "aspirin"},
  "producerNotes": "extra keys are tolerated"
}`

func TestParseJSON(t *testing.T) {
	p, err := ParseJSON([]byte(labelPlanJSON))
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, 1, *p.Steps[1].DependsOn)
	assert.Equal(t, "identifier", p.Steps[0].OutputMapping["id"])
	assert.Equal(t, "aspirin", p.Variables["drug"])
}

func TestParse_YAML(t *testing.T) {
	doc := `
explanation: fallback to unclassified section
steps:
  - stepNumber: 1
    method: GET
    pathTemplate: /api/labels/abc/sections/34067-9
  - stepNumber: 2
    method: GET
    pathTemplate: /api/labels/abc/sections/42229-5
    skipIfPreviousHasResults: 1
variables:
  ids: [a, b]
`
	p, err := Parse([]byte(doc), FormatYAML)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, 1, *p.Steps[1].SkipIfPreviousHasResults)
	assert.True(t, p.ListVariables()["ids"])
}

func TestParse_StructuralFailure(t *testing.T) {
	_, err := ParseJSON([]byte(`{"steps":[{"stepNumber":"one"}]}`))
	ps := problemsOf(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, PhaseStructural, ps[0].Phase)

	_, err = Parse([]byte("steps: [\n"), FormatYAML)
	ps = problemsOf(t, err)
	assert.Equal(t, PhaseStructural, ps[0].Phase)

	_, err = Parse([]byte(`{}`), Format("toml"))
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestParse_SemanticAndDomainProblemsTogether(t *testing.T) {
	_, err := ParseJSON([]byte(`{"steps":[{"stepNumber":0,"method":"GET","pathTemplate":"/a"},{"stepNumber":2,"method":"GET"}]}`))
	ps := problemsOf(t, err)

	var semantic, domain int
	for _, p := range ps {
		switch p.Phase {
		case PhaseSemantic:
			semantic++
		case PhaseDomain:
			domain++
		}
	}
	assert.GreaterOrEqual(t, semantic, 2, "%v", ps)
	assert.GreaterOrEqual(t, domain, 2, "%v", ps)
	assert.Equal(t, PhaseSemantic, ps[0].Phase, "problems are sorted by phase")
	assert.True(t, hasProblem(ps, PhaseDomain, 2, "pathTemplate"))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(labelPlanJSON), 0o644))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 2)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidPlan))

	assert.Equal(t, FormatYAML, FormatForPath("x.YML"))
	assert.Equal(t, FormatJSON, FormatForPath("x.txt"))
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, schemaID, doc["$id"])
	assert.Contains(t, string(data), "skipIfPreviousHasResults")
	assert.Contains(t, string(data), "pathTemplate")
}

func TestValidationError_Message(t *testing.T) {
	err := (&ValidationError{Problems: []Problem{
		{Phase: PhaseDomain, Step: 2, Field: "dependsOn", Message: "references unknown step 7"},
		{Phase: PhaseDomain, Message: "other"},
	}}).Error()
	assert.Equal(t, "invalid plan: [domain] steps[2].dependsOn: references unknown step 7 (and 1 more)", err)
}
