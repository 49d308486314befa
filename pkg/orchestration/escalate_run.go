package orchestration

import (
	"context"
	"errors"

	"github.com/itsneelabh/labelagent/pkg/plan"
)

// Outcome is the last run of an escalation cycle
type Outcome struct {
	Plan         *plan.Plan
	Result       *ExecutionResult
	Attempts     int
	DirectAnswer *DirectAnswer
}

// RunEscalating runs p and, while steps fail, asks c for an alternative and
// runs that. It stops at the first run without failures or at the first
// DirectAnswer. request is the user query passed on to the controller.
func RunEscalating(ctx context.Context, e *Executor, c *Controller, request string, p *plan.Plan) (*Outcome, error) {
	if e == nil || c == nil {
		return nil, errors.New("orchestration: executor and controller are required")
	}
	result, err := e.Run(ctx, p)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Plan: p, Result: result, Attempts: 1}
	for out.Result.HasFailures() {
		esc, err := c.Escalate(ctx, EscalationRequest{
			OriginalRequest: request,
			Plan:            out.Plan,
			Failed:          out.Result.Failed(),
			Attempt:         out.Attempts,
		})
		if err != nil {
			return nil, err
		}
		if esc.DirectAnswer != nil {
			out.DirectAnswer = esc.DirectAnswer
			break
		}
		// Escalation only returns validated plans
		next, err := e.Run(ctx, esc.Plan)
		if err != nil {
			return nil, err
		}
		out.Plan, out.Result = esc.Plan, next
		out.Attempts++
	}
	return out, nil
}
