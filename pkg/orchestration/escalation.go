package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/plan"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

// DefaultMaxAttempts is the attempt number at which escalation always
// answers directly. A configured bound may lower it, never raise it.
const DefaultMaxAttempts = 3

// Direct answer reasons
const (
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonNoFailures        = "no_failures"
	ReasonNoAlternative     = "no_alternative"
)

// Escalation sources
const (
	SourceReplanner    = "replanner"
	SourceSubstitution = "substitution"
	SourceDirect       = "direct"
)

// Substitution maps a failing endpoint family to a fallback endpoint.
// A step matches when its method matches (empty matches any) and its path
// template starts with PathPrefix.
type Substitution struct {
	Family         string            `json:"family" yaml:"family"`
	Method         string            `json:"method,omitempty" yaml:"method,omitempty"`
	PathPrefix     string            `json:"pathPrefix" yaml:"pathPrefix"`
	FallbackMethod string            `json:"fallbackMethod,omitempty" yaml:"fallbackMethod,omitempty"`
	FallbackPath   string            `json:"fallbackPath" yaml:"fallbackPath"`
	FallbackQuery  map[string]string `json:"fallbackQuery,omitempty" yaml:"fallbackQuery,omitempty"`
	DropQuery      bool              `json:"dropQuery,omitempty" yaml:"dropQuery,omitempty"`
}

// Matches reports whether the substitution applies to step
func (s Substitution) Matches(step plan.Step) bool {
	if s.Method != "" && !strings.EqualFold(s.Method, step.Method) {
		return false
	}
	return strings.HasPrefix(step.PathTemplate, s.PathPrefix)
}

// Apply returns step rewritten to the fallback endpoint. Dependencies,
// skip policy and output mapping are kept.
func (s Substitution) Apply(step plan.Step) plan.Step {
	out := step.Clone()
	if s.FallbackMethod != "" {
		out.Method = strings.ToUpper(s.FallbackMethod)
	}
	out.PathTemplate = s.FallbackPath
	if s.DropQuery {
		out.QueryParameters = nil
	}
	if len(s.FallbackQuery) > 0 {
		if out.QueryParameters == nil {
			out.QueryParameters = make(map[string]string, len(s.FallbackQuery))
		}
		for k, v := range s.FallbackQuery {
			out.QueryParameters[k] = v
		}
	}
	if out.Description != "" {
		out.Description = fmt.Sprintf("%s (fallback: %s)", out.Description, s.Family)
	} else {
		out.Description = "fallback: " + s.Family
	}
	return out
}

// DefaultSubstitutions falls back from filtered search endpoints to the
// unfiltered listing endpoints with explicit paging
func DefaultSubstitutions() []Substitution {
	paging := map[string]string{"limit": "100", "skip": "0"}
	return []Substitution{
		{
			Family:        "label-search",
			Method:        "GET",
			PathPrefix:    "/api/labels/search",
			FallbackPath:  "/api/labels",
			FallbackQuery: copyQuery(paging),
			DropQuery:     true,
		},
		{
			Family:        "section-search",
			Method:        "GET",
			PathPrefix:    "/api/sections/search",
			FallbackPath:  "/api/sections",
			FallbackQuery: copyQuery(paging),
			DropQuery:     true,
		},
	}
}

// EscalationRequest carries one failed run into the controller
type EscalationRequest struct {
	OriginalRequest string
	Plan            *plan.Plan
	Failed          []StepResult
	Attempt         int
}

// ReplanRequest is what a Replanner sees
type ReplanRequest struct {
	OriginalRequest string
	Plan            *plan.Plan
	Failed          []StepResult
	Attempt         int
	// Hints are the substitutions that match the failed steps
	Hints []Substitution
}

// Replanner produces an alternative plan from a failed one, typically by
// asking the external plan producer again
type Replanner interface {
	Replan(ctx context.Context, req ReplanRequest) (*plan.Plan, error)
}

// DirectAnswer is the terminal non-plan outcome of escalation
type DirectAnswer struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// Escalation holds exactly one of Plan or DirectAnswer
type Escalation struct {
	Plan         *plan.Plan    `json:"plan,omitempty"`
	DirectAnswer *DirectAnswer `json:"directAnswer,omitempty"`
	Source       string        `json:"source"`
	// Substituted lists the step numbers rewritten by the substitution table
	Substituted []int `json:"substituted,omitempty"`
}

// Controller is the bounded retry/escalation state machine
type Controller struct {
	substitutions []Substitution
	maxAttempts   int
	replanner     Replanner
	logger        logger.Logger
	newID         func() string

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	inst           *instruments
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithSubstitutions replaces the substitution table
func WithSubstitutions(subs []Substitution) ControllerOption {
	return func(c *Controller) {
		c.substitutions = append([]Substitution(nil), subs...)
	}
}

// WithMaxAttempts sets the attempt number that always answers directly.
// Values past DefaultMaxAttempts are clamped to it.
func WithMaxAttempts(n int) ControllerOption {
	return func(c *Controller) {
		if n >= 1 {
			c.maxAttempts = min(n, DefaultMaxAttempts)
		}
	}
}

// WithReplanner asks r for an alternative before consulting the table
func WithReplanner(r Replanner) ControllerOption {
	return func(c *Controller) { c.replanner = r }
}

// WithControllerLogger sets the logger
func WithControllerLogger(l logger.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger.OrNoOp(l) }
}

// WithControllerTracerProvider sets the tracer provider
func WithControllerTracerProvider(tp trace.TracerProvider) ControllerOption {
	return func(c *Controller) { c.tracerProvider = tp }
}

// WithControllerMeterProvider sets the meter provider
func WithControllerMeterProvider(mp metric.MeterProvider) ControllerOption {
	return func(c *Controller) { c.meterProvider = mp }
}

// WithPlanIDGenerator replaces the id generator for substituted plans
func WithPlanIDGenerator(newID func() string) ControllerOption {
	return func(c *Controller) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewController creates a controller with the default substitution table
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		substitutions: DefaultSubstitutions(),
		maxAttempts:   DefaultMaxAttempts,
		logger:        logger.NoOpLogger{},
		newID:         telemetry.NewID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inst = newInstruments(c.tracerProvider, c.meterProvider, c.logger)
	return c
}

// SetLogger sets the logger
func (c *Controller) SetLogger(l logger.Logger) {
	c.logger = logger.OrNoOp(l)
}

// MaxAttempts returns the configured bound
func (c *Controller) MaxAttempts() int { return c.maxAttempts }

// Escalate decides what follows a failed run. Attempts below the bound yield
// an alternative plan when one exists; the bound and anything past it always
// yields a DirectAnswer.
func (c *Controller) Escalate(ctx context.Context, req EscalationRequest) (*Escalation, error) {
	if req.Attempt < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAttempt, req.Attempt)
	}

	ctx, span := c.inst.tracer.Start(ctx, spanEscalate, trace.WithAttributes(
		attribute.Int("labelagent.escalation.attempt", req.Attempt),
		attribute.Int("labelagent.escalation.failed_steps", len(req.Failed)),
	))
	defer span.End()

	esc := c.decide(ctx, req)

	outcome := esc.Source
	if esc.DirectAnswer != nil {
		outcome = esc.DirectAnswer.Reason
	}
	span.SetAttributes(attribute.String("labelagent.escalation.outcome", outcome))
	c.inst.countEscalation(ctx, outcome)

	c.logger.Info("escalation decided", telemetry.EnrichFields(ctx,
		"operation", "escalate", "attempt", req.Attempt, "outcome", outcome, "substituted", esc.Substituted)...)
	return esc, nil
}

func (c *Controller) decide(ctx context.Context, req EscalationRequest) *Escalation {
	if req.Attempt >= c.maxAttempts {
		return c.direct(req, ReasonAttemptsExhausted)
	}
	failed := failedOnly(req.Failed)
	if len(failed) == 0 || req.Plan == nil {
		return c.direct(req, ReasonNoFailures)
	}

	hints := c.hintsFor(req.Plan, failed)

	if c.replanner != nil {
		alt, err := c.replanner.Replan(ctx, ReplanRequest{
			OriginalRequest: req.OriginalRequest,
			Plan:            req.Plan,
			Failed:          failed,
			Attempt:         req.Attempt,
			Hints:           hints,
		})
		switch {
		case err != nil:
			c.logger.Warn("replanner failed, using substitution table", telemetry.EnrichFields(ctx,
				"operation", "escalate", "attempt", req.Attempt, "error", err)...)
		case alt == nil:
			c.logger.Debug("replanner declined", telemetry.EnrichFields(ctx, "operation", "escalate", "attempt", req.Attempt)...)
		default:
			if verr := alt.Validate(); verr != nil {
				c.logger.Warn("replanner produced an invalid plan", telemetry.EnrichFields(ctx,
					"operation", "escalate", "attempt", req.Attempt, "error", verr)...)
			} else {
				return &Escalation{Plan: alt, Source: SourceReplanner}
			}
		}
	}

	alt, substituted := c.substitute(req.Plan, failed)
	if len(substituted) == 0 {
		return c.direct(req, ReasonNoAlternative)
	}
	if err := alt.Validate(); err != nil {
		c.logger.Warn("substituted plan is invalid", telemetry.EnrichFields(ctx,
			"operation", "escalate", "attempt", req.Attempt, "error", err)...)
		return c.direct(req, ReasonNoAlternative)
	}
	return &Escalation{Plan: alt, Source: SourceSubstitution, Substituted: substituted}
}

// substitute rewrites every escalatable failed step that has a matching
// substitution. The first matching table entry wins.
func (c *Controller) substitute(p *plan.Plan, failed []StepResult) (*plan.Plan, []int) {
	alt := p.Clone()
	alt.ID = c.newID()
	var substituted []int
	for _, r := range failed {
		if !escalatable(r) {
			continue
		}
		for i, step := range alt.Steps {
			if step.StepNumber != r.StepNumber {
				continue
			}
			if sub, ok := c.match(step); ok {
				alt.Steps[i] = sub.Apply(step)
				substituted = append(substituted, step.StepNumber)
			}
			break
		}
	}
	sort.Ints(substituted)
	if len(substituted) > 0 {
		alt.Explanation = strings.TrimSpace(fmt.Sprintf("%s (fallback for step(s) %s)", p.Explanation, joinInts(substituted)))
	}
	return alt, substituted
}

func (c *Controller) match(step plan.Step) (Substitution, bool) {
	for _, s := range c.substitutions {
		if s.Matches(step) {
			return s, true
		}
	}
	return Substitution{}, false
}

func (c *Controller) hintsFor(p *plan.Plan, failed []StepResult) []Substitution {
	var hints []Substitution
	seen := make(map[string]bool)
	for _, r := range failed {
		step, ok := p.Step(r.StepNumber)
		if !ok {
			continue
		}
		if sub, ok := c.match(step); ok && !seen[sub.Family] {
			seen[sub.Family] = true
			hints = append(hints, sub)
		}
	}
	return hints
}

func (c *Controller) direct(req EscalationRequest, reason string) *Escalation {
	return &Escalation{
		Source: SourceDirect,
		DirectAnswer: &DirectAnswer{
			Message: directMessage(req, reason),
			Reason:  reason,
			Attempt: req.Attempt,
		},
	}
}

func directMessage(req EscalationRequest, reason string) string {
	var sb strings.Builder
	switch reason {
	case ReasonAttemptsExhausted:
		fmt.Fprintf(&sb, "No alternative plan is available after %d attempt(s).", req.Attempt)
	case ReasonNoFailures:
		sb.WriteString("Nothing to escalate: no step failed.")
	default:
		sb.WriteString("No alternative endpoint exists for the failed step(s).")
	}
	for _, r := range failedOnly(req.Failed) {
		fmt.Fprintf(&sb, " Step %d failed", r.StepNumber)
		if r.StatusCode != 0 {
			fmt.Fprintf(&sb, " with status %d", r.StatusCode)
		}
		if r.Path != "" {
			fmt.Fprintf(&sb, " (%s %s)", r.Method, r.Path)
		}
		sb.WriteString(".")
	}
	return sb.String()
}

// escalatable is true for invocation failures and recovered panics.
// Template and list-binding failures are not fixed by another endpoint.
func escalatable(r StepResult) bool {
	return r.ErrorKind == KindInvocation || r.ErrorKind == KindPanic
}

func failedOnly(results []StepResult) []StepResult {
	var out []StepResult
	for _, r := range results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

func copyQuery(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
