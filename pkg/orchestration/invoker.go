// Package orchestration executes endpoint-call plans and drives the bounded
// retry/escalation cycle around them.
//
// The Executor walks a validated plan in dependency order, resolving
// {{variable}} templates from earlier outputs, applying skip and fan-out
// policy and recording one StepResult per step. It performs no network I/O
// itself; every call goes through an Invoker.
//
// The Controller turns failed results into an alternative plan or a
// terminal DirectAnswer. The Orchestrator ties both to a conversation store
// and an external plan producer.
package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/labelagent/pkg/payload"
)

// Request is one resolved endpoint call
type Request struct {
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	QueryParameters map[string]string `json:"queryParameters,omitempty"`
}

// String renders the request as METHOD path?k=v with keys sorted
func (r Request) String() string {
	if len(r.QueryParameters) == 0 {
		return r.Method + " " + r.Path
	}
	keys := make([]string, 0, len(r.QueryParameters))
	for k := range r.QueryParameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + r.QueryParameters[k]
	}
	return fmt.Sprintf("%s %s?%s", r.Method, r.Path, strings.Join(parts, "&"))
}

// Response is what the invoker observed. StatusCode must be set; anything
// outside 2xx is a failed call.
type Response struct {
	StatusCode int
	Payload    payload.Value
}

// Succeeded reports a 2xx status
func (r *Response) Succeeded() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Invoker performs endpoint calls. It owns transport, credentials, timeouts
// and cancellation; a returned error is a transport failure.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke calls f
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
