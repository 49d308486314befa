package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/payload"
	"github.com/itsneelabh/labelagent/pkg/placeholder"
	"github.com/itsneelabh/labelagent/pkg/plan"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

// Executor runs plans against an Invoker. It holds no state across runs and
// is safe for concurrent use.
type Executor struct {
	invoker        Invoker
	maxConcurrency int
	logger         logger.Logger
	now            func() time.Time
	newID          func() string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	inst           *instruments
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithFanOutConcurrency bounds parallel fan-out calls. 1, the default, issues
// them sequentially in list order.
func WithFanOutConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 1 {
			e.maxConcurrency = n
		}
	}
}

// WithExecutorLogger sets the logger
func WithExecutorLogger(l logger.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger.OrNoOp(l) }
}

// WithTracerProvider sets the tracer provider; the otel global is the default
func WithTracerProvider(tp trace.TracerProvider) ExecutorOption {
	return func(e *Executor) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider; the otel global is the default
func WithMeterProvider(mp metric.MeterProvider) ExecutorOption {
	return func(e *Executor) { e.meterProvider = mp }
}

// WithExecutorClock replaces time.Now for durations
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRunIDGenerator replaces the run id generator
func WithRunIDGenerator(newID func() string) ExecutorOption {
	return func(e *Executor) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// NewExecutor creates an executor over invoker
func NewExecutor(invoker Invoker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		invoker:        invoker,
		maxConcurrency: 1,
		logger:         logger.NoOpLogger{},
		now:            time.Now,
		newID:          telemetry.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.inst = newInstruments(e.tracerProvider, e.meterProvider, e.logger)
	return e
}

// SetLogger sets the logger
func (e *Executor) SetLogger(l logger.Logger) {
	e.logger = logger.OrNoOp(l)
}

// Run validates p and processes every step exactly once in graph order.
// The only error is a *plan.ValidationError, returned before any step runs;
// step failures are recorded in the result and the run continues.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (*ExecutionResult, error) {
	if p == nil {
		return nil, &plan.ValidationError{Problems: []plan.Problem{{Phase: plan.PhaseDomain, Message: "plan is nil"}}}
	}
	g, err := p.Compile()
	if err != nil {
		e.logger.Warn("plan rejected", "operation", "run_plan", "plan_id", p.ID, "error", err)
		return nil, err
	}
	ec, err := NewExecutionContext(p.Variables)
	if err != nil {
		return nil, &plan.ValidationError{Problems: []plan.Problem{{Phase: plan.PhaseDomain, Field: "variables", Message: err.Error()}}}
	}

	runID := e.newID()
	ctx = telemetry.WithRunID(ctx, runID)
	ctx, span := e.inst.tracer.Start(ctx, spanPlanRun, trace.WithAttributes(
		attribute.String("labelagent.run_id", runID),
		attribute.String("labelagent.plan_id", p.ID),
		attribute.Int("labelagent.plan.steps", g.Len()),
	))
	defer span.End()

	start := e.now()
	e.logger.Info("plan execution started", telemetry.EnrichFields(ctx,
		"operation", "run_plan", "plan_id", p.ID, "step_count", g.Len())...)

	for _, step := range g.Steps() {
		ec.Record(e.runStep(ctx, ec, step))
	}

	result := &ExecutionResult{
		RunID:     runID,
		PlanID:    p.ID,
		Steps:     ec.Results(),
		Variables: ec.Variables(),
		Duration:  e.now().Sub(start),
	}

	failed := ec.FailedSteps()
	span.SetAttributes(attribute.IntSlice("labelagent.plan.failed_steps", failed))
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d step(s) failed", len(failed)))
	}
	e.logger.Info("plan execution finished", telemetry.EnrichFields(ctx,
		"operation", "run_plan", "plan_id", p.ID, "failed_steps", failed, "duration_ms", result.Duration.Milliseconds())...)
	return result, nil
}

func (e *Executor) runStep(ctx context.Context, ec *ExecutionContext, step plan.Step) StepResult {
	ctx, span := e.inst.tracer.Start(ctx, spanStep)
	defer span.End()

	start := e.now()
	res := e.evaluateStep(ctx, ec, step)
	res.Duration = e.now().Sub(start)

	span.SetAttributes(stepAttributes(res)...)
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
	}
	e.inst.countStep(ctx, res)

	fields := telemetry.EnrichFields(ctx, "operation", "run_step", "step", res.StepNumber)
	switch {
	case res.Skipped:
		e.logger.Debug("step skipped", append(fields, "reason", res.SkipReason)...)
	case res.Succeeded:
		e.logger.Debug("step succeeded", append(fields, "path", res.Path, "status", res.StatusCode, "bound", res.Bound)...)
	default:
		e.logger.Warn("step failed", append(fields, "kind", res.ErrorKind, "status", res.StatusCode, "error", res.Error)...)
	}
	return res
}

// evaluateStep applies, in order: skip-if-previous-has-results, dependency
// check, template resolution with optional fan-out, output mapping.
func (e *Executor) evaluateStep(ctx context.Context, ec *ExecutionContext, step plan.Step) StepResult {
	res := StepResult{
		StepNumber: step.StepNumber,
		Method:     step.NormalizedMethod(),
		Payload:    payload.Null(),
	}

	if ref := step.SkipIfPreviousHasResults; ref != nil {
		if prev, ok := ec.Result(*ref); ok && prev.HasResults() {
			res.Skipped = true
			res.SkipReason = ReasonPreviousHadResults
			return res
		}
	}

	if ref := step.DependsOn; ref != nil {
		if prev, ok := ec.Result(*ref); !ok || !prev.Succeeded {
			res.Skipped = true
			res.SkipReason = ReasonDependencyUnsatisfied
			return res
		}
	}

	tmpl, err := compileStep(step)
	if err != nil {
		return fail(res, &StepError{Kind: KindTemplateResolution, Step: step.StepNumber, Message: "malformed template", Err: err})
	}

	// Every referenced variable must be bound before anything is invoked
	var listNames []string
	for _, name := range step.ReferencedVariables() {
		b, ok := ec.Binding(name)
		if !ok {
			return fail(res, &StepError{
				Kind:    KindTemplateResolution,
				Step:    step.StepNumber,
				Message: fmt.Sprintf("variable %q is not bound", name),
				Err:     fmt.Errorf("%w: %s", ErrUnresolvedVariable, name),
			})
		}
		if b.List {
			listNames = append(listNames, name)
		}
	}
	if len(listNames) > 1 {
		return fail(res, &StepError{
			Kind:    KindMultipleListBindings,
			Step:    step.StepNumber,
			Message: fmt.Sprintf("variables %v are all list-valued", listNames),
			Err:     ErrMultipleListBindings,
		})
	}

	if len(listNames) == 1 {
		binding, _ := ec.Binding(listNames[0])
		res = e.fanOut(ctx, ec, step, tmpl, res, listNames[0], binding)
	} else {
		req, err := tmpl.resolve(step, ec.Binding)
		if err != nil {
			return fail(res, resolutionError(step.StepNumber, err))
		}
		res.Path = req.Path
		res.QueryParameters = req.QueryParameters

		resp, stepErr := e.invoke(ctx, step.StepNumber, req)
		if stepErr != nil {
			return fail(res, stepErr)
		}
		res.Succeeded = true
		res.StatusCode = resp.StatusCode
		res.Payload = resp.Payload
	}

	if res.Succeeded {
		res.Bound = applyOutputMapping(ec, step, res.Payload)
	}
	return res
}

// invoke calls the invoker with panic recovery and classifies the outcome
func (e *Executor) invoke(ctx context.Context, stepNumber int, req Request) (resp *Response, stepErr *StepError) {
	e.inst.countInvocation(ctx, req.Method)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("invoker panic recovered", telemetry.EnrichFields(ctx,
				"operation", "invoke", "step", stepNumber, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))...)
			resp = nil
			stepErr = &StepError{
				Kind:    KindPanic,
				Step:    stepNumber,
				Message: fmt.Sprintf("panic: %v", r),
				Err:     ErrInvokerPanic,
			}
		}
	}()

	resp, err := e.invoker.Invoke(ctx, req)
	switch {
	case err != nil:
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		return nil, &StepError{
			Kind:       KindInvocation,
			Step:       stepNumber,
			Message:    req.String(),
			StatusCode: code,
			Err:        fmt.Errorf("%w: %v", ErrInvocationFailed, err),
		}
	case resp == nil:
		return nil, &StepError{Kind: KindInvocation, Step: stepNumber, Message: req.String() + ": no response", Err: ErrInvocationFailed}
	case !resp.Succeeded():
		return nil, &StepError{
			Kind:       KindInvocation,
			Step:       stepNumber,
			Message:    fmt.Sprintf("%s: status %d", req, resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        ErrInvocationFailed,
		}
	}
	return resp, nil
}

// fanOut invokes the step once per element of the list binding. Results are
// merged in list order; a failed element contributes an error marker. The
// step succeeds when the list is empty or any element succeeded.
func (e *Executor) fanOut(ctx context.Context, ec *ExecutionContext, step plan.Step, tmpl *stepTemplate,
	res StepResult, name string, binding payload.Binding) StepResult {

	n := len(binding.Values)
	subs := make([]SubResult, n)
	merged := make([]payload.Value, n)
	var firstErr *StepError

	lookupFor := func(elem payload.Value) placeholder.Lookup {
		return func(v string) (payload.Binding, bool) {
			if v == name {
				return payload.ScalarBinding(elem), true
			}
			return ec.Binding(v)
		}
	}

	runElement := func(i int) {
		elem := binding.Values[i]
		sub := SubResult{Element: elem.Text()}

		req, err := tmpl.resolve(step, lookupFor(elem))
		if err != nil {
			stepErr := resolutionError(step.StepNumber, err)
			sub.Error = stepErr.Error()
			subs[i] = sub
			merged[i] = errorMarker(stepErr, elem)
			return
		}
		sub.Path = req.Path
		sub.QueryParameters = req.QueryParameters

		resp, stepErr := e.invoke(ctx, step.StepNumber, req)
		if stepErr != nil {
			sub.StatusCode = stepErr.StatusCode
			sub.Error = stepErr.Error()
			subs[i] = sub
			merged[i] = errorMarker(stepErr, elem)
			return
		}
		sub.Succeeded = true
		sub.StatusCode = resp.StatusCode
		subs[i] = sub
		merged[i] = resp.Payload
	}

	if e.maxConcurrency <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			runElement(i)
		}
	} else {
		semaphore := make(chan struct{}, e.maxConcurrency)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			semaphore <- struct{}{}
			go func(i int) {
				defer func() {
					<-semaphore
					wg.Done()
				}()
				runElement(i)
			}(i)
		}
		wg.Wait()
	}

	succeeded := 0
	for i, sub := range subs {
		if sub.Succeeded {
			succeeded++
		} else if firstErr == nil {
			firstErr = &StepError{
				Kind:       KindInvocation,
				Step:       step.StepNumber,
				Message:    fmt.Sprintf("fan-out element %d (%s): %s", i, sub.Element, sub.Error),
				StatusCode: sub.StatusCode,
				Err:        ErrInvocationFailed,
			}
		}
	}

	res.FanOut = subs
	res.Path = tmpl.path.Source()
	res.Payload = payload.List(merged...)

	if n > 0 && succeeded == 0 {
		failed := fail(res, firstErr)
		failed.Payload = res.Payload
		return failed
	}
	res.Succeeded = true
	res.StatusCode = 200
	if n > 0 {
		for _, sub := range subs {
			if sub.Succeeded {
				res.StatusCode = sub.StatusCode
				break
			}
		}
	}
	return res
}

func errorMarker(err *StepError, elem payload.Value) payload.Value {
	members := []payload.Member{{Key: "error", Value: payload.String(err.Error())}}
	if err.StatusCode != 0 {
		members = append(members, payload.Member{Key: "statusCode", Value: payload.Int(int64(err.StatusCode))})
	}
	members = append(members, payload.Member{Key: "element", Value: elem})
	return payload.Object(members...)
}

// applyOutputMapping binds variables in name order. A miss leaves any
// earlier binding of the same name in place.
func applyOutputMapping(ec *ExecutionContext, step plan.Step, result payload.Value) []string {
	var bound []string
	for _, name := range step.OutputVariables() {
		expr, err := payload.ParseExpression(step.OutputMapping[name])
		if err != nil {
			continue
		}
		if b, ok := payload.Extract(result, expr); ok {
			ec.Bind(name, b)
			bound = append(bound, name)
		}
	}
	return bound
}

func fail(res StepResult, err *StepError) StepResult {
	res.Succeeded = false
	res.ErrorKind = err.Kind
	res.Error = err.Error()
	res.StatusCode = err.StatusCode
	res.err = err
	return res
}

func resolutionError(step int, err error) *StepError {
	var unbound *placeholder.UnboundError
	if errors.As(err, &unbound) {
		return &StepError{
			Kind:    KindTemplateResolution,
			Step:    step,
			Message: fmt.Sprintf("variable %q is not bound", unbound.Name),
			Err:     fmt.Errorf("%w: %s", ErrUnresolvedVariable, unbound.Name),
		}
	}
	var fan *placeholder.FanOutError
	if errors.As(err, &fan) {
		return &StepError{Kind: KindMultipleListBindings, Step: step, Message: fan.Error(), Err: ErrMultipleListBindings}
	}
	return &StepError{Kind: KindTemplateResolution, Step: step, Message: "template resolution failed", Err: err}
}
