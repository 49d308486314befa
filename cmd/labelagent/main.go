package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/itsneelabh/labelagent"
	"github.com/itsneelabh/labelagent/internal/fixture"
	"github.com/itsneelabh/labelagent/pkg/logger"
	"github.com/itsneelabh/labelagent/pkg/orchestration"
	"github.com/itsneelabh/labelagent/pkg/plan"
	"github.com/itsneelabh/labelagent/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "labelagent",
		Short:         "Validate and run endpoint-call plans",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newValidateCmd(), newSchemaCmd(), newRunCmd(), newVersionCmd())
	return root
}

// --- validate ---

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [plan.json|plan.yaml]",
		Short: "Validate a plan document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.LoadFile(args[0])
			if err != nil {
				var ve *plan.ValidationError
				if errors.As(err, &ve) {
					errOut := cmd.ErrOrStderr()
					fmt.Fprintf(errOut, "Validation failed: %d problem(s)\n\n", len(ve.Problems))
					for i, pr := range ve.Problems {
						fmt.Fprintf(errOut, "  %d. %s\n", i+1, pr.String())
					}
					return fmt.Errorf("validation failed with %d problem(s)", len(ve.Problems))
				}
				return err
			}
			g, err := p.Compile()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d steps, order %v)\n", args[0], g.Len(), g.Order())
			return nil
		},
	}
}

// --- schema ---

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the plan JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := plan.GenerateJSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			var out json.RawMessage = data
			formatted, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				formatted = data
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
			return nil
		},
	}
}

// --- run ---

type runFlags struct {
	fixture     string
	trace       bool
	logLevel    string
	logFormat   string
	concurrency int
	escalate    bool
	maxAttempts int
}

type runOutput struct {
	Attempts     int                            `json:"attempts"`
	Result       *orchestration.ExecutionResult `json:"result"`
	DirectAnswer *orchestration.DirectAnswer    `json:"directAnswer,omitempty"`
	Calls        []orchestration.Request        `json:"calls"`
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [plan.json|plan.yaml]",
		Short: "Run a plan offline against a response fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.fixture, "fixture", "", "YAML response fixture (required)")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "Print spans to stderr")
	cmd.Flags().StringVar(&f.logLevel, "log-level", logger.GetLogLevel(), "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFormat, "log-format", logger.GetLogFormat(), "Log format (text, json)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 1, "Maximum parallel fan-out calls")
	cmd.Flags().BoolVar(&f.escalate, "escalate", false, "Re-run with fallback endpoints when steps fail")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", orchestration.DefaultMaxAttempts, "Escalation attempt bound, at most 3")
	_ = cmd.MarkFlagRequired("fixture")
	return cmd
}

func runPlan(ctx context.Context, out, errOut io.Writer, path string, f *runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.NewSimpleLogger(logger.WithWriter(errOut), logger.WithLevel(f.logLevel), logger.WithFormat(f.logFormat))

	p, err := plan.LoadFile(path)
	if err != nil {
		return err
	}
	inv, err := fixture.Load(f.fixture, fixture.WithLogger(log))
	if err != nil {
		return err
	}

	tp, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        f.trace,
		Exporter:       telemetry.ExporterStdout,
		ServiceVersion: labelagent.Version,
		Writer:         errOut,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	executor := orchestration.NewExecutor(inv,
		orchestration.WithFanOutConcurrency(f.concurrency),
		orchestration.WithExecutorLogger(log),
		orchestration.WithTracerProvider(tp.TracerProvider()),
	)
	controller := orchestration.NewController(
		orchestration.WithMaxAttempts(f.maxAttempts),
		orchestration.WithControllerLogger(log),
		orchestration.WithControllerTracerProvider(tp.TracerProvider()),
	)

	output := runOutput{Attempts: 1}
	if f.escalate {
		run, err := orchestration.RunEscalating(ctx, executor, controller, p.Explanation, p)
		if err != nil {
			return err
		}
		output.Result, output.Attempts, output.DirectAnswer = run.Result, run.Attempts, run.DirectAnswer
	} else if output.Result, err = executor.Run(ctx, p); err != nil {
		return err
	}
	output.Calls = inv.Calls()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return err
	}
	if output.Result.HasFailures() && output.DirectAnswer == nil && !f.escalate {
		log.Warn("plan finished with failed steps", "operation", "run", "failed", len(output.Result.Failed()))
	}
	return nil
}

// --- version ---

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "labelagent %s (plan schema %s, commit %s, built %s)\n",
				labelagent.Version, labelagent.PlanSchemaVersion, labelagent.GitCommit, labelagent.BuildDate)
		},
	}
}
