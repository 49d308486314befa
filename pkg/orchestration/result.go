package orchestration

import (
	"time"

	"github.com/itsneelabh/labelagent/pkg/payload"
)

// Skip reasons
const (
	ReasonPreviousHadResults    = "previous step had results"
	ReasonDependencyUnsatisfied = "dependency unsatisfied"
)

// StepResult is the immutable envelope recorded for each step.
// Succeeded is authoritative; skipped steps are never succeeded.
type StepResult struct {
	StepNumber      int               `json:"stepNumber"`
	Method          string            `json:"method"`
	Path            string            `json:"path,omitempty"`
	QueryParameters map[string]string `json:"queryParameters,omitempty"`

	Succeeded  bool      `json:"succeeded"`
	StatusCode int       `json:"statusCode,omitempty"`
	ErrorKind  ErrorKind `json:"errorKind,omitempty"`
	Error      string    `json:"error,omitempty"`

	Payload payload.Value `json:"payload"`

	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skipReason,omitempty"`

	// FanOut holds one entry per list element, in list order
	FanOut []SubResult `json:"fanOut,omitempty"`
	// Bound lists the variables this step's output mapping bound
	Bound []string `json:"bound,omitempty"`

	Duration time.Duration `json:"duration"`

	err *StepError
}

// Err returns the step failure, or nil
func (r StepResult) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Failed reports a step that ran and did not succeed
func (r StepResult) Failed() bool {
	return !r.Succeeded && !r.Skipped
}

// HasResults reports a succeeded step with a non-empty payload. A fan-out
// step has results only when a succeeded element returned a non-empty
// payload; error markers and empty element payloads do not count.
func (r StepResult) HasResults() bool {
	if !r.Succeeded {
		return false
	}
	if len(r.FanOut) == 0 {
		return !r.Payload.IsEmpty()
	}
	items := r.Payload.Items()
	for i, sub := range r.FanOut {
		if sub.Succeeded && i < len(items) && !items[i].IsEmpty() {
			return true
		}
	}
	return false
}

// SubResult is one fan-out invocation
type SubResult struct {
	Element         string            `json:"element"`
	Path            string            `json:"path"`
	QueryParameters map[string]string `json:"queryParameters,omitempty"`
	Succeeded       bool              `json:"succeeded"`
	StatusCode      int               `json:"statusCode,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// ExecutionResult is the outcome of one run over a plan
type ExecutionResult struct {
	RunID     string                     `json:"runId"`
	PlanID    string                     `json:"planId,omitempty"`
	Steps     []StepResult               `json:"steps"`
	Variables map[string]payload.Binding `json:"-"`
	Duration  time.Duration              `json:"duration"`
}

// Failed returns the steps that ran and failed, in execution order
func (r *ExecutionResult) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// HasFailures reports whether any step failed
func (r *ExecutionResult) HasFailures() bool {
	for _, s := range r.Steps {
		if s.Failed() {
			return true
		}
	}
	return false
}

// Step returns the result for a step number
func (r *ExecutionResult) Step(n int) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.StepNumber == n {
			return s, true
		}
	}
	return StepResult{}, false
}
