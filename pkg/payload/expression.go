package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidExpression is returned by ParseExpression for text outside the grammar
var ErrInvalidExpression = errors.New("invalid extraction expression")

// Root selects where an expression starts looking
type Root int

const (
	// RootDeep searches the whole tree for the first object holding the field
	RootDeep Root = iota
	// RootTop reads a member of the top-level object ($.field)
	RootTop
	// RootIndex reads a member of the n-th top-level list element ($[n].field)
	RootIndex
)

// Expression is a parsed extraction expression.
//
//	field        deep search, first match
//	$.field      member of the top-level object
//	$[n].field   member of the n-th element of the top-level list
//	...[]        any of the above, collecting every match into a list
//
// Field may be a dotted path; segments after the first are direct member lookups.
type Expression struct {
	Source string
	Root   Root
	Index  int
	Path   []string
	List   bool
}

// ParseExpression parses s into an Expression
func ParseExpression(s string) (Expression, error) {
	expr := Expression{Source: s}
	rest := strings.TrimSpace(s)

	if strings.HasSuffix(rest, "[]") {
		expr.List = true
		rest = strings.TrimSuffix(rest, "[]")
	}

	switch {
	case strings.HasPrefix(rest, "$."):
		expr.Root = RootTop
		rest = rest[2:]
	case strings.HasPrefix(rest, "$["):
		end := strings.Index(rest, "]")
		if end < 0 {
			return Expression{}, fmt.Errorf("%w %q: unterminated index", ErrInvalidExpression, s)
		}
		n, err := strconv.Atoi(rest[2:end])
		if err != nil || n < 0 {
			return Expression{}, fmt.Errorf("%w %q: index must be a non-negative integer", ErrInvalidExpression, s)
		}
		expr.Root = RootIndex
		expr.Index = n
		rest = rest[end+1:]
		if !strings.HasPrefix(rest, ".") {
			return Expression{}, fmt.Errorf("%w %q: expected .field after index", ErrInvalidExpression, s)
		}
		rest = rest[1:]
	case strings.HasPrefix(rest, "$"):
		return Expression{}, fmt.Errorf("%w %q: expected $. or $[n].", ErrInvalidExpression, s)
	}

	if rest == "" {
		return Expression{}, fmt.Errorf("%w %q: missing field name", ErrInvalidExpression, s)
	}
	for _, seg := range strings.Split(rest, ".") {
		if seg == "" || strings.ContainsAny(seg, "[]$ {}") {
			return Expression{}, fmt.Errorf("%w %q: bad field segment %q", ErrInvalidExpression, s, seg)
		}
		expr.Path = append(expr.Path, seg)
	}
	return expr, nil
}

// String returns the source text
func (e Expression) String() string { return e.Source }

// Binding is the value bound to a variable: a scalar, or an ordered list of
// scalars when bound by a list-mode expression.
type Binding struct {
	Values []Value
	List   bool
}

// ScalarBinding binds a single value
func ScalarBinding(v Value) Binding { return Binding{Values: []Value{v}} }

// ListBinding binds an ordered list of values
func ListBinding(vs ...Value) Binding {
	return Binding{Values: append([]Value{}, vs...), List: true}
}

// Text renders a scalar binding. For list bindings it renders the JSON list.
func (b Binding) Text() string {
	if b.List {
		return List(b.Values...).String()
	}
	if len(b.Values) == 0 {
		return ""
	}
	return b.Values[0].Text()
}

// Texts renders every element of the binding
func (b Binding) Texts() []string {
	out := make([]string, len(b.Values))
	for i, v := range b.Values {
		out[i] = v.Text()
	}
	return out
}

// Extract evaluates e against root. The boolean is false on an extraction
// miss. List-mode expressions never miss: no matches yields an empty list.
// Null members count as absent.
func Extract(root Value, e Expression) (Binding, bool) {
	var start []Value
	switch e.Root {
	case RootTop:
		start = []Value{root}
	case RootIndex:
		items := root.Items()
		if e.Index < len(items) {
			start = []Value{items[e.Index]}
		}
	}

	if e.List {
		var out []Value
		if e.Root == RootDeep {
			collectDeep(root, e.Path, &out)
		} else {
			for _, s := range start {
				if v, ok := follow(s, e.Path); ok {
					out = appendFlattened(out, v)
				}
			}
		}
		return ListBinding(out...), true
	}

	var found Value
	var ok bool
	if e.Root == RootDeep {
		found, ok, _ = findDeep(root, e.Path)
	} else if len(start) > 0 {
		found, ok = follow(start[0], e.Path)
	}
	if !ok {
		return Binding{}, false
	}
	return ScalarBinding(found), true
}

// ExtractString parses and evaluates expr in one call
func ExtractString(root Value, expr string) (Binding, bool, error) {
	e, err := ParseExpression(expr)
	if err != nil {
		return Binding{}, false, err
	}
	b, ok := Extract(root, e)
	return b, ok, nil
}

func follow(v Value, path []string) (Value, bool) {
	cur := v
	for _, seg := range path {
		next, ok := cur.Get(seg)
		if !ok || next.IsNull() {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// claims reports whether v is an object holding the first path segment.
// Such an object ends a deep search even when the path then misses.
func claims(v Value, path []string) bool {
	if v.kind != KindObject || len(path) == 0 {
		return false
	}
	_, ok := v.Get(path[0])
	return ok
}

// findDeep walks pre-order and stops at the first object holding the field.
// claimed is true once such an object was met, whether or not the path
// resolved from there.
func findDeep(v Value, path []string) (found Value, ok, claimed bool) {
	switch v.kind {
	case KindObject:
		if claims(v, path) {
			found, ok = follow(v, path)
			return found, ok, true
		}
		for _, m := range v.members {
			if found, ok, claimed = findDeep(m.Value, path); claimed {
				return found, ok, true
			}
		}
	case KindList:
		for _, item := range v.items {
			if found, ok, claimed = findDeep(item, path); claimed {
				return found, ok, true
			}
		}
	}
	return Value{}, false, false
}

// collectDeep gathers every match in pre-order without descending into an
// object that holds the field. Null matches contribute nothing.
func collectDeep(v Value, path []string, out *[]Value) {
	switch v.kind {
	case KindObject:
		if claims(v, path) {
			if found, ok := follow(v, path); ok {
				*out = appendFlattened(*out, found)
			}
			return
		}
		for _, m := range v.members {
			collectDeep(m.Value, path, out)
		}
	case KindList:
		for _, item := range v.items {
			collectDeep(item, path, out)
		}
	}
}

func appendFlattened(out []Value, v Value) []Value {
	if v.kind == KindList {
		for _, item := range v.items {
			if !item.IsNull() {
				out = append(out, item)
			}
		}
		return out
	}
	return append(out, v)
}
