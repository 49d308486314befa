package plan

import (
	"fmt"
	"sort"
)

// Graph orders a plan's steps. Both DependsOn and SkipIfPreviousHasResults
// are ordering edges. Order is topological with ties broken by ascending
// step number, so plans that only reference earlier steps run in step-number order.
type Graph struct {
	steps map[int]Step
	preds map[int][]int
	order []int
}

// NewGraph validates step identity and references and computes the order.
// Duplicate numbers, dangling or self references and cycles are rejected.
func NewGraph(steps []Step) (*Graph, error) {
	var ps problems
	g := &Graph{
		steps: make(map[int]Step, len(steps)),
		preds: make(map[int][]int, len(steps)),
	}

	for _, s := range steps {
		if _, dup := g.steps[s.StepNumber]; dup {
			ps.add(PhaseDomain, s.StepNumber, "stepNumber", "duplicate step number %d", s.StepNumber)
			continue
		}
		g.steps[s.StepNumber] = s
	}

	for _, n := range g.numbers() {
		s := g.steps[n]
		for _, ref := range []struct {
			field  string
			target *int
		}{
			{"dependsOn", s.DependsOn},
			{"skipIfPreviousHasResults", s.SkipIfPreviousHasResults},
		} {
			if ref.target == nil {
				continue
			}
			t := *ref.target
			switch {
			case t == n:
				ps.add(PhaseDomain, n, ref.field, "step references itself")
			case !g.has(t):
				ps.add(PhaseDomain, n, ref.field, "references unknown step %d", t)
			default:
				g.preds[n] = appendUnique(g.preds[n], t)
			}
		}
	}
	if err := ps.err(); err != nil {
		return nil, err
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

// sort runs Kahn's algorithm, always releasing the lowest ready step number
func (g *Graph) sort() error {
	indegree := make(map[int]int, len(g.steps))
	succs := make(map[int][]int, len(g.steps))
	for n := range g.steps {
		indegree[n] = len(g.preds[n])
		for _, p := range g.preds[n] {
			succs[p] = append(succs[p], n)
		}
	}

	var ready []int
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	sort.Ints(ready)

	g.order = make([]int, 0, len(g.steps))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		g.order = append(g.order, n)
		for _, s := range succs[n] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = insertSorted(ready, s)
			}
		}
	}

	if len(g.order) != len(g.steps) {
		var stuck []int
		for n, d := range indegree {
			if d > 0 {
				stuck = append(stuck, n)
			}
		}
		sort.Ints(stuck)
		return (problems{{
			Phase:   PhaseDomain,
			Field:   "steps",
			Message: fmt.Sprintf("dependency cycle among steps %v", stuck),
		}}).err()
	}
	return nil
}

// Order returns step numbers in execution order
func (g *Graph) Order() []int {
	return append([]int(nil), g.order...)
}

// Steps returns the steps in execution order
func (g *Graph) Steps() []Step {
	out := make([]Step, len(g.order))
	for i, n := range g.order {
		out[i] = g.steps[n]
	}
	return out
}

// Step returns a step by number
func (g *Graph) Step(n int) (Step, bool) {
	s, ok := g.steps[n]
	return s, ok
}

// Predecessors returns the steps n waits on, ascending
func (g *Graph) Predecessors(n int) []int {
	return append([]int(nil), g.preds[n]...)
}

// Ready returns the unfinished steps whose predecessors are all finished, ascending
func (g *Graph) Ready(finished map[int]bool) []int {
	var out []int
	for _, n := range g.order {
		if finished[n] {
			continue
		}
		ok := true
		for _, p := range g.preds[n] {
			if !finished[p] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// Len returns the number of steps
func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) has(n int) bool {
	_, ok := g.steps[n]
	return ok
}

func (g *Graph) numbers() []int {
	out := make([]int, 0, len(g.steps))
	for n := range g.steps {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func appendUnique(xs []int, x int) []int {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	xs = append(xs, x)
	sort.Ints(xs)
	return xs
}

func insertSorted(xs []int, x int) []int {
	i := sort.SearchInts(xs, x)
	xs = append(xs, 0)
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}
