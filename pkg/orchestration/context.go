package orchestration

import (
	"fmt"
	"sort"

	"github.com/itsneelabh/labelagent/pkg/payload"
)

// ExecutionContext is the mutable state of one run: bound variables,
// recorded step results and the failure set. A run owns it exclusively.
type ExecutionContext struct {
	bindings map[string]payload.Binding
	results  map[int]StepResult
	order    []int
	failed   map[int]bool
}

// NewExecutionContext seeds bindings from plan variables. Slices bind lists
// and everything else binds a scalar.
func NewExecutionContext(seeds map[string]interface{}) (*ExecutionContext, error) {
	ec := &ExecutionContext{
		bindings: make(map[string]payload.Binding, len(seeds)),
		results:  make(map[int]StepResult),
		failed:   make(map[int]bool),
	}
	for name, raw := range seeds {
		v, err := payload.FromGo(raw)
		if err != nil {
			return nil, fmt.Errorf("seed variable %q: %w", name, err)
		}
		if v.Kind() == payload.KindList {
			ec.bindings[name] = payload.ListBinding(v.Items()...)
		} else {
			ec.bindings[name] = payload.ScalarBinding(v)
		}
	}
	return ec, nil
}

// Binding returns a bound variable
func (ec *ExecutionContext) Binding(name string) (payload.Binding, bool) {
	b, ok := ec.bindings[name]
	return b, ok
}

// Bind sets a variable, replacing any earlier binding
func (ec *ExecutionContext) Bind(name string, b payload.Binding) {
	ec.bindings[name] = b
}

// Record stores a step result. Each step is recorded once.
func (ec *ExecutionContext) Record(r StepResult) {
	if _, dup := ec.results[r.StepNumber]; !dup {
		ec.order = append(ec.order, r.StepNumber)
	}
	ec.results[r.StepNumber] = r
	if r.Failed() {
		ec.failed[r.StepNumber] = true
	}
}

// Result returns the recorded result of a step
func (ec *ExecutionContext) Result(n int) (StepResult, bool) {
	r, ok := ec.results[n]
	return r, ok
}

// Results returns recorded results in execution order
func (ec *ExecutionContext) Results() []StepResult {
	out := make([]StepResult, len(ec.order))
	for i, n := range ec.order {
		out[i] = ec.results[n]
	}
	return out
}

// FailedSteps returns the failed step numbers, ascending
func (ec *ExecutionContext) FailedSteps() []int {
	out := make([]int, 0, len(ec.failed))
	for n := range ec.failed {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Variables returns a copy of the bindings
func (ec *ExecutionContext) Variables() map[string]payload.Binding {
	out := make(map[string]payload.Binding, len(ec.bindings))
	for k, v := range ec.bindings {
		out[k] = v
	}
	return out
}
