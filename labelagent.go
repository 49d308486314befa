// Package labelagent wires the query orchestration engine from a Config.
//
// Most callers only need New and Engine.Interpret. The subpackages can be
// used directly for finer control:
//   - github.com/itsneelabh/labelagent/pkg/plan - plan documents, validation, graph order
//   - github.com/itsneelabh/labelagent/pkg/orchestration - executor, escalation, interpretation cycle
//   - github.com/itsneelabh/labelagent/pkg/conversation - conversation stores
package labelagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/itsneelabh/labelagent/pkg/config"
	"github.com/itsneelabh/labelagent/pkg/conversation"
	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/orchestration"
	"github.com/itsneelabh/labelagent/pkg/plan"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

// Re-exported types for callers that only import the root package
type (
	Config = config.Config
	Plan   = plan.Plan
	Step   = plan.Step

	Invoker      = orchestration.Invoker
	Request      = orchestration.Request
	Response     = orchestration.Response
	PlanProducer = orchestration.PlanProducer
	Synthesizer  = orchestration.Synthesizer
	Replanner    = orchestration.Replanner

	InterpretRequest  = orchestration.InterpretRequest
	InterpretResponse = orchestration.InterpretResponse
	ExecutionResult   = orchestration.ExecutionResult
)

// Engine owns every component built by New
type Engine struct {
	Config       *config.Config
	Logger       logger.Logger
	Store        conversation.Store
	Executor     *orchestration.Executor
	Controller   *orchestration.Controller
	Orchestrator *orchestration.Orchestrator

	telemetry *telemetry.Provider
}

// Option customises New
type Option func(*options)

type options struct {
	logger      logger.Logger
	store       conversation.Store
	synthesizer orchestration.Synthesizer
	replanner   orchestration.Replanner
}

// WithLogger replaces the logger built from the logging config
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore uses store instead of building one from the conversation config
func WithStore(store conversation.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSynthesizer sets the answer synthesizer
func WithSynthesizer(s orchestration.Synthesizer) Option {
	return func(o *options) { o.synthesizer = s }
}

// WithReplanner lets escalation ask for an alternative plan first
func WithReplanner(r orchestration.Replanner) Option {
	return func(o *options) { o.replanner = r }
}

// New builds an engine. A nil cfg loads configuration with config.NewConfig.
func New(ctx context.Context, cfg *config.Config, producer orchestration.PlanProducer, invoker orchestration.Invoker, opts ...Option) (*Engine, error) {
	if producer == nil || invoker == nil {
		return nil, errors.New("labelagent: producer and invoker are required")
	}
	if cfg == nil {
		loaded, err := config.NewConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = logger.NewSimpleLogger(
			logger.WithLevel(cfg.Logging.Level),
			logger.WithFormat(cfg.Logging.Format),
		)
	}

	tp, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = buildStore(ctx, cfg.Conversation, log)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, err
		}
	}

	executor := orchestration.NewExecutor(invoker,
		orchestration.WithFanOutConcurrency(cfg.Orchestration.FanOutConcurrency),
		orchestration.WithExecutorLogger(log),
		orchestration.WithTracerProvider(tp.TracerProvider()),
	)

	controllerOpts := []orchestration.ControllerOption{
		orchestration.WithMaxAttempts(cfg.Orchestration.MaxEscalationAttempts),
		orchestration.WithControllerLogger(log),
		orchestration.WithControllerTracerProvider(tp.TracerProvider()),
	}
	if len(cfg.Substitutions) > 0 {
		controllerOpts = append(controllerOpts, orchestration.WithSubstitutions(substitutions(cfg.Substitutions)))
	}
	if o.replanner != nil {
		controllerOpts = append(controllerOpts, orchestration.WithReplanner(o.replanner))
	}
	controller := orchestration.NewController(controllerOpts...)

	orchOpts := []orchestration.OrchestratorOption{orchestration.WithOrchestratorLogger(log)}
	if o.synthesizer != nil {
		orchOpts = append(orchOpts, orchestration.WithSynthesizer(o.synthesizer))
	}

	log.Info("labelagent engine ready", "operation", "new",
		"conversation_backend", cfg.Conversation.Backend,
		"fan_out_concurrency", cfg.Orchestration.FanOutConcurrency,
		"max_escalation_attempts", controller.MaxAttempts(),
		"telemetry", cfg.Telemetry.Enabled)

	return &Engine{
		Config:       cfg,
		Logger:       log,
		Store:        store,
		Executor:     executor,
		Controller:   controller,
		Orchestrator: orchestration.NewOrchestrator(store, producer, executor, controller, orchOpts...),
		telemetry:    tp,
	}, nil
}

func buildStore(ctx context.Context, cc config.ConversationConfig, log logger.Logger) (conversation.Store, error) {
	opts := []conversation.Option{
		conversation.WithTTL(cc.TTL),
		conversation.WithMaxMessages(cc.MaxMessages),
		conversation.WithLogger(log),
	}
	switch cc.Backend {
	case config.BackendRedis:
		store, err := conversation.NewRedisStoreFromURL(ctx, cc.RedisURL, cc.KeyPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("conversation store: %w", err)
		}
		if cc.SweepInterval > 0 {
			store.StartSweeper(cc.SweepInterval)
		}
		return store, nil
	default:
		store := conversation.NewMemoryStore(opts...)
		if cc.SweepInterval > 0 {
			store.StartSweeper(cc.SweepInterval)
		}
		return store, nil
	}
}

func substitutions(in []config.SubstitutionConfig) []orchestration.Substitution {
	out := make([]orchestration.Substitution, len(in))
	for i, s := range in {
		out[i] = orchestration.Substitution{
			Family:         s.Family,
			Method:         s.Method,
			PathPrefix:     s.PathPrefix,
			FallbackMethod: s.FallbackMethod,
			FallbackPath:   s.FallbackPath,
			FallbackQuery:  s.FallbackQuery,
			DropQuery:      s.DropQuery,
		}
	}
	return out
}

// Interpret runs one conversational turn
func (e *Engine) Interpret(ctx context.Context, req InterpretRequest) (*InterpretResponse, error) {
	return e.Orchestrator.Interpret(ctx, req)
}

// Run executes a single plan without escalation
func (e *Engine) Run(ctx context.Context, p *Plan) (*ExecutionResult, error) {
	return e.Executor.Run(ctx, p)
}

// Close stops the store and flushes telemetry
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
