// Package telemetry sets up tracing and carries correlation ids through
// context so log lines and spans can be joined.
//
// Setup builds an OpenTelemetry tracer provider that exports over OTLP gRPC
// or pretty-printed to stdout:
//
//	p, err := telemetry.Setup(ctx, telemetry.Options{
//	    Enabled:  true,
//	    Exporter: telemetry.ExporterOTLP,
//	    Endpoint: "otel-collector:4317",
//	    Insecure: true,
//	})
//	defer p.Shutdown(ctx)
//
// Correlation helpers:
//
//	ctx = telemetry.WithRunID(ctx, telemetry.NewID())
//	log.Info("run started", telemetry.EnrichFields(ctx, "steps", 3)...)
package telemetry
