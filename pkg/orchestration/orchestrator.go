package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/labelagent/pkg/conversation"
	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/plan"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

// ProduceRequest is what the plan producer receives
type ProduceRequest struct {
	Query          string
	ConversationID string
	History        []conversation.Message
}

// PlanProducer turns a natural-language query into a plan. It is an
// external collaborator, usually an NL interpretation service.
type PlanProducer interface {
	Produce(ctx context.Context, req ProduceRequest) (*plan.Plan, error)
}

// SynthesisRequest is what the synthesizer receives after the final run
type SynthesisRequest struct {
	Query        string
	Plan         *plan.Plan
	Results      []StepResult
	DirectAnswer *DirectAnswer
	History      []conversation.Message
}

// Synthesizer turns step results into the answer text
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// SynthesizerFunc adapts a function to Synthesizer
type SynthesizerFunc func(ctx context.Context, req SynthesisRequest) (string, error)

// Synthesize calls f
func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	return f(ctx, req)
}

// InterpretRequest is one conversational turn. An empty ConversationID
// starts a new conversation.
type InterpretRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversationId,omitempty"`
	OwnerID        string `json:"ownerId,omitempty"`
}

// InterpretResponse is the outcome of one turn
type InterpretResponse struct {
	ConversationID string        `json:"conversationId"`
	Answer         string        `json:"answer"`
	Plan           *plan.Plan    `json:"plan,omitempty"`
	Steps          []StepResult  `json:"steps"`
	Attempts       int           `json:"attempts"`
	DirectAnswer   *DirectAnswer `json:"directAnswer,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Orchestrator drives one conversational turn: history lookup, plan
// production, execution, bounded escalation, synthesis and history append.
type Orchestrator struct {
	store       conversation.Store
	producer    PlanProducer
	executor    *Executor
	controller  *Controller
	synthesizer Synthesizer
	logger      logger.Logger
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithSynthesizer sets the answer synthesizer. Without one a plain summary
// of the step results is used.
func WithSynthesizer(s Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.synthesizer = s }
}

// WithOrchestratorLogger sets the logger
func WithOrchestratorLogger(l logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger.OrNoOp(l) }
}

// NewOrchestrator creates an orchestrator. A nil controller uses the
// default substitution table.
func NewOrchestrator(store conversation.Store, producer PlanProducer, executor *Executor, controller *Controller, opts ...OrchestratorOption) *Orchestrator {
	if controller == nil {
		controller = NewController()
	}
	o := &Orchestrator{
		store:      store,
		producer:   producer,
		executor:   executor,
		controller: controller,
		logger:     logger.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetLogger sets the logger
func (o *Orchestrator) SetLogger(l logger.Logger) {
	o.logger = logger.OrNoOp(l)
}

// Interpret runs one turn. It fails for an empty query, an unknown or
// expired conversation (conversation.ErrNotFound), a producer error or an
// invalid produced plan. Step failures never fail the turn.
func (o *Orchestrator) Interpret(ctx context.Context, req InterpretRequest) (*InterpretResponse, error) {
	start := time.Now()
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	conv, err := o.conversationFor(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = telemetry.WithConversationID(ctx, conv.ID)

	o.logger.Info("interpreting query", telemetry.EnrichFields(ctx,
		"operation", "interpret", "history_messages", len(conv.Messages))...)

	p, err := o.producer.Produce(ctx, ProduceRequest{Query: req.Query, ConversationID: conv.ID, History: conv.Messages})
	if err != nil {
		o.logger.Error("plan production failed", telemetry.EnrichFields(ctx, "operation", "interpret", "error", err)...)
		return nil, fmt.Errorf("produce plan: %w", err)
	}

	run, err := RunEscalating(ctx, o.executor, o.controller, req.Query, p)
	if err != nil {
		return nil, err
	}
	p, result, attempts, direct := run.Plan, run.Result, run.Attempts, run.DirectAnswer

	answer := o.synthesize(ctx, SynthesisRequest{
		Query:        req.Query,
		Plan:         p,
		Results:      result.Steps,
		DirectAnswer: direct,
		History:      conv.Messages,
	})

	if _, err := o.store.AppendMessages(ctx, conv.ID,
		conversation.Message{Role: conversation.RoleUser, Content: req.Query},
		conversation.Message{Role: conversation.RoleAssistant, Content: answer},
	); err != nil {
		o.logger.Warn("failed to record conversation turn", telemetry.EnrichFields(ctx,
			"operation", "interpret", "error", err)...)
	}

	resp := &InterpretResponse{
		ConversationID: conv.ID,
		Answer:         answer,
		Plan:           p,
		Steps:          result.Steps,
		Attempts:       attempts,
		DirectAnswer:   direct,
		Duration:       time.Since(start),
	}
	o.logger.Info("query interpreted", telemetry.EnrichFields(ctx,
		"operation", "interpret", "attempts", attempts, "direct_answer", direct != nil,
		"duration_ms", resp.Duration.Milliseconds())...)
	return resp, nil
}

func (o *Orchestrator) conversationFor(ctx context.Context, req InterpretRequest) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		conv, err := o.store.Create(ctx, req.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		o.logger.Debug("conversation created", "operation", "interpret", "conversation_id", conv.ID)
		return conv, nil
	}
	conv, err := o.store.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, req SynthesisRequest) string {
	if o.synthesizer != nil {
		answer, err := o.synthesizer.Synthesize(ctx, req)
		if err == nil {
			return answer
		}
		o.logger.Warn("synthesis failed, using summary", telemetry.EnrichFields(ctx,
			"operation", "synthesize", "error", err)...)
	}
	return fallbackSynthesis(req)
}

// fallbackSynthesis summarises results without a synthesizer
func fallbackSynthesis(req SynthesisRequest) string {
	var sb strings.Builder
	if req.DirectAnswer != nil {
		sb.WriteString(req.DirectAnswer.Message)
		sb.WriteString("\n\n")
	}

	header := "Based on the information gathered:\n\n"
	sb.WriteString(header)
	wrote := false
	for _, r := range req.Results {
		if !r.HasResults() {
			continue
		}
		fmt.Fprintf(&sb, "**Step %d** (%s %s): %s\n\n", r.StepNumber, r.Method, r.Path, r.Payload.String())
		wrote = true
	}
	if !wrote {
		out := strings.TrimSuffix(sb.String(), header)
		return out + "Unable to gather information for the request."
	}
	return strings.TrimRight(sb.String(), "\n")
}
