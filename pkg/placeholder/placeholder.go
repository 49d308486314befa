// Package placeholder parses and resolves {{name}} templates used in step
// paths and query parameters.
package placeholder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itsneelabh/labelagent/pkg/payload"
)

var (
	// ErrMalformed marks template text that cannot be parsed
	ErrMalformed = errors.New("malformed placeholder")
	// ErrUnbound marks a placeholder with no bound value
	ErrUnbound = errors.New("unbound variable")
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type segment struct {
	literal string
	name    string // empty for literal segments
}

// Template is a parsed template string
type Template struct {
	source   string
	segments []segment
}

// Parse splits s into literal text and placeholders. Whitespace inside the
// braces is ignored. An unterminated "{{" or an empty name is an error.
func Parse(s string) (*Template, error) {
	t := &Template{source: s}
	rest := s
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			if strings.Contains(rest, closeDelim) {
				return nil, fmt.Errorf("%w in %q: unmatched %q", ErrMalformed, s, closeDelim)
			}
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if i > 0 {
			if strings.Contains(rest[:i], closeDelim) {
				return nil, fmt.Errorf("%w in %q: unmatched %q", ErrMalformed, s, closeDelim)
			}
			t.segments = append(t.segments, segment{literal: rest[:i]})
		}
		rest = rest[i+len(openDelim):]

		j := strings.Index(rest, closeDelim)
		if j < 0 {
			return nil, fmt.Errorf("%w in %q: unterminated %q", ErrMalformed, s, openDelim)
		}
		name := strings.TrimSpace(rest[:j])
		if name == "" || strings.ContainsAny(name, "{} \t") {
			return nil, fmt.Errorf("%w in %q: bad name %q", ErrMalformed, s, rest[:j])
		}
		t.segments = append(t.segments, segment{name: name})
		rest = rest[j+len(closeDelim):]
	}
}

// MustParse is Parse that panics on error
func MustParse(s string) *Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the original template text
func (t *Template) Source() string { return t.source }

// Names returns the distinct placeholder names in order of first appearance
func (t *Template) Names() []string {
	var names []string
	seen := make(map[string]bool)
	for _, seg := range t.segments {
		if seg.name != "" && !seen[seg.name] {
			seen[seg.name] = true
			names = append(names, seg.name)
		}
	}
	return names
}

// Lookup returns the binding for a variable name
type Lookup func(name string) (payload.Binding, bool)

// FanOutError signals that a placeholder is bound to a list. The caller must
// run once per element with Name rebound to that element.
type FanOutError struct {
	Name    string
	Binding payload.Binding
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("variable %q is list-valued (%d elements)", e.Name, len(e.Binding.Values))
}

// UnboundError names the variable that had no value
type UnboundError struct {
	Name     string
	Template string
}

func (e *UnboundError) Error() string {
	return fmt.Sprintf("unbound variable %q in %q", e.Name, e.Template)
}

func (e *UnboundError) Unwrap() error { return ErrUnbound }

// Resolve substitutes every placeholder in a single pass. Bound values are
// inserted verbatim and never re-expanded. Unbound names fail with
// *UnboundError; list-valued names fail with *FanOutError.
func (t *Template) Resolve(lookup Lookup) (string, error) {
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.name == "" {
			sb.WriteString(seg.literal)
			continue
		}
		b, ok := lookup(seg.name)
		if !ok {
			return "", &UnboundError{Name: seg.name, Template: t.source}
		}
		if b.List {
			return "", &FanOutError{Name: seg.name, Binding: b}
		}
		sb.WriteString(b.Text())
	}
	return sb.String(), nil
}

// Resolve parses and resolves s in one call
func Resolve(s string, lookup Lookup) (string, error) {
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return t.Resolve(lookup)
}

// MapLookup adapts a map of bindings to a Lookup
func MapLookup(m map[string]payload.Binding) Lookup {
	return func(name string) (payload.Binding, bool) {
		b, ok := m[name]
		return b, ok
	}
}
