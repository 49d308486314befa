package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaID = "https://github.com/itsneelabh/labelagent/schemas/plan-v1.json"

// GenerateJSONSchema produces the Draft 2020-12 schema for plan documents
func GenerateJSONSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            false,
	}

	s := r.Reflect(&Plan{})
	s.ID = schemaID
	s.Title = "Endpoint Call Plan v1"
	s.Description = "Dependency-ordered list of endpoint call specifications"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var (
	compileOnce sync.Once
	compiled    *sjsonschema.Schema
	compileErr  error
)

func planSchema() (*sjsonschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := GenerateJSONSchema()
		if err != nil {
			compileErr = err
			return
		}
		doc, err := sjsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(schemaID, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaID)
	})
	return compiled, compileErr
}

// validateSemantic checks a JSON document against the plan schema
func validateSemantic(doc []byte) []Problem {
	var ps problems

	sch, err := planSchema()
	if err != nil {
		ps.add(PhaseSemantic, 0, "", "compile schema: %v", err)
		return ps
	}

	inst, err := sjsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		ps.add(PhaseSemantic, 0, "", "unmarshal document: %v", err)
		return ps
	}

	if err := sch.Validate(inst); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			ps.add(PhaseSemantic, 0, "", "%v", err)
			return ps
		}
		for _, cause := range flattenValidationErrors(ve) {
			ps = append(ps, Problem{
				Phase:   PhaseSemantic,
				Field:   strings.Join(cause.InstanceLocation, "/"),
				Message: fmt.Sprintf("%v", cause.ErrorKind),
			})
		}
	}
	return ps
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
