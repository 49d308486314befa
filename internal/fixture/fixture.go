// Package fixture replays recorded endpoint responses. It backs the CLI's
// offline runs and tests; it is not an HTTP transport.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/orchestration"
	"github.com/itsneelabh/labelagent/pkg/payload"
)

// ErrNoMatch is the transport error returned when no rule matches and the
// fixture has no default
var ErrNoMatch = errors.New("no fixture response matches")

// Rule is one response entry. When is an expr boolean over method, path,
// query and segments; an empty When always matches. Body is JSON text and
// wins over Payload when both are set. A non-empty Error simulates a
// transport failure.
type Rule struct {
	When    string      `yaml:"when"`
	Status  int         `yaml:"status"`
	Body    string      `yaml:"body"`
	Payload interface{} `yaml:"payload"`
	Error   string      `yaml:"error"`

	program  *vm.Program
	response payload.Value
}

// File is the on-disk fixture document
type File struct {
	Responses []Rule `yaml:"responses"`
	Default   *Rule  `yaml:"default"`
}

// Invoker answers with the first matching rule
type Invoker struct {
	rules  []Rule
	def    *Rule
	logger logger.Logger

	mu    sync.Mutex
	calls []orchestration.Request
}

// Option configures an Invoker
type Option func(*Invoker)

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(i *Invoker) { i.logger = logger.OrNoOp(l) }
}

// Load reads and compiles a fixture file
func Load(path string, opts ...Option) (*Invoker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	inv, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return inv, nil
}

// Parse compiles a YAML fixture document
func Parse(data []byte, opts ...Option) (*Invoker, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return New(f, opts...)
}

// New compiles the rules of f
func New(f File, opts ...Option) (*Invoker, error) {
	inv := &Invoker{logger: logger.NoOpLogger{}}
	for _, opt := range opts {
		opt(inv)
	}
	for i := range f.Responses {
		if err := compileRule(&f.Responses[i]); err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
	}
	inv.rules = f.Responses
	if f.Default != nil {
		if err := compileRule(f.Default); err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		inv.def = f.Default
	}
	return inv, nil
}

func compileRule(r *Rule) error {
	if r.Status == 0 && r.Error == "" {
		r.Status = 200
	}
	if when := strings.TrimSpace(r.When); when != "" {
		program, err := expr.Compile(when, expr.Env(matchEnv(orchestration.Request{})), expr.AsBool())
		if err != nil {
			return fmt.Errorf("compile %q: %w", when, err)
		}
		r.program = program
	}
	switch {
	case r.Body != "":
		v, err := payload.Decode([]byte(r.Body))
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		r.response = v
	default:
		v, err := payload.FromGo(r.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		r.response = v
	}
	return nil
}

func matchEnv(req orchestration.Request) map[string]interface{} {
	query := req.QueryParameters
	if query == nil {
		query = map[string]string{}
	}
	var segments []string
	for _, s := range strings.Split(req.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if segments == nil {
		segments = []string{}
	}
	return map[string]interface{}{
		"method":   req.Method,
		"path":     req.Path,
		"query":    query,
		"segments": segments,
	}
}

// Invoke implements orchestration.Invoker
func (i *Invoker) Invoke(ctx context.Context, req orchestration.Request) (*orchestration.Response, error) {
	i.mu.Lock()
	i.calls = append(i.calls, req)
	i.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := matchEnv(req)
	for idx := range i.rules {
		r := &i.rules[idx]
		ok, err := r.matches(env)
		if err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", idx, err)
		}
		if ok {
			i.logger.Debug("fixture matched", "operation", "invoke", "request", req.String(), "rule", idx)
			return r.reply()
		}
	}
	if i.def != nil {
		i.logger.Debug("fixture default", "operation", "invoke", "request", req.String())
		return i.def.reply()
	}
	return nil, fmt.Errorf("%w: %s", ErrNoMatch, req)
}

// Calls returns every request seen, in order
func (i *Invoker) Calls() []orchestration.Request {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]orchestration.Request(nil), i.calls...)
}

func (r *Rule) matches(env map[string]interface{}) (bool, error) {
	if r.program == nil {
		return true, nil
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", r.When, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", r.When, out)
	}
	return b, nil
}

func (r *Rule) reply() (*orchestration.Response, error) {
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	return &orchestration.Response{StatusCode: r.Status, Payload: r.response}, nil
}
