package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedVariable marks a template placeholder with no bound value
	ErrUnresolvedVariable = errors.New("unresolved template variable")
	// ErrInvocationFailed marks a non-2xx status or transport failure
	ErrInvocationFailed = errors.New("endpoint invocation failed")
	// ErrMultipleListBindings marks a step referencing two list-valued variables at run time
	ErrMultipleListBindings = errors.New("step references more than one list-valued variable")
	// ErrInvokerPanic marks a recovered panic inside the invoker
	ErrInvokerPanic = errors.New("invoker panicked")
	// ErrInvalidAttempt rejects escalation attempt numbers below 1
	ErrInvalidAttempt = errors.New("invalid escalation attempt")
	// ErrEmptyQuery rejects interpretation requests without a query
	ErrEmptyQuery = errors.New("empty query")
)

// ErrorKind classifies a step failure
type ErrorKind string

const (
	KindTemplateResolution   ErrorKind = "template_resolution"
	KindInvocation           ErrorKind = "invocation"
	KindMultipleListBindings ErrorKind = "multiple_list_bindings"
	KindPanic                ErrorKind = "panic"
)

// StepError is a failure local to one step. The plan keeps running.
type StepError struct {
	Kind       ErrorKind
	Step       int
	Message    string
	StatusCode int
	Err        error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %d: %s: %s: %v", e.Step, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("step %d: %s: %s", e.Step, e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// Escalatable reports whether a substitution could fix this failure
func (e *StepError) Escalatable() bool {
	return e.Kind == KindInvocation || e.Kind == KindPanic
}
