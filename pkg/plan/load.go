package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a plan document encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the format from a file extension. Anything that is
// not .yaml or .yml is treated as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes and validates a plan document in three phases:
// structural decode, JSON Schema, then domain rules. A rejected document
// returns a *ValidationError.
func Parse(data []byte, format Format) (*Plan, error) {
	var ps problems

	// Phase 1: structural
	doc := data
	var p Plan
	switch format {
	case FormatYAML:
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			ps.add(PhaseStructural, 0, "", "decode yaml: %v", err)
			return nil, ps.err()
		}
		converted, err := json.Marshal(normalizeYAML(raw))
		if err != nil {
			ps.add(PhaseStructural, 0, "", "convert yaml: %v", err)
			return nil, ps.err()
		}
		doc = converted
	case FormatJSON:
	default:
		ps.add(PhaseStructural, 0, "", "unsupported format %q", format)
		return nil, ps.err()
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		ps.add(PhaseStructural, 0, "", "decode plan: %v", err)
		return nil, ps.err()
	}

	// Phase 2: semantic
	ps = append(ps, validateSemantic(doc)...)

	// Phase 3: domain
	if err := p.Validate(); err != nil {
		if ve, ok := err.(*ValidationError); ok {
			ps = append(ps, ve.Problems...)
		}
	}

	if len(ps) > 0 {
		SortProblems(ps)
		return nil, ps.err()
	}
	return &p, nil
}

// ParseJSON is Parse for JSON documents
func ParseJSON(data []byte) (*Plan, error) { return Parse(data, FormatJSON) }

// LoadFile reads and parses a plan file, choosing the format by extension
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data, FormatForPath(path))
}

// normalizeYAML turns yaml.v3 maps with non-string keys into JSON-friendly maps
func normalizeYAML(in interface{}) interface{} {
	switch t := in.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = normalizeYAML(v)
		}
		return out
	}
	return in
}
