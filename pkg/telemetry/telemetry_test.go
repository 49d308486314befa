package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_Disabled(t *testing.T) {
	p, err := Setup(context.Background(), Options{})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(context.Background(), Options{
		Enabled:     true,
		Exporter:    ExporterStdout,
		ServiceName: "labelagent-test",
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "labelagent.plan.run")
	assert.True(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "labelagent.plan.run")
	assert.Contains(t, buf.String(), "labelagent-test")
}

func TestSetup_Errors(t *testing.T) {
	_, err := Setup(context.Background(), Options{Enabled: true, Exporter: ExporterOTLP})
	assert.Error(t, err)

	_, err = Setup(context.Background(), Options{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestCorrelationContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetConversationID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithConversationID(ctx, "conv-1")
	assert.Equal(t, "run-1", GetRunID(ctx))
	assert.Equal(t, "conv-1", GetConversationID(ctx))

	assert.NotEqual(t, NewID(), NewID())
}

func TestEnrichFields(t *testing.T) {
	assert.Equal(t, []interface{}{"step", 1}, EnrichFields(context.Background(), "step", 1))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(WithRunID(context.Background(), "run-9"), "op")
	defer span.End()

	fields := EnrichFields(ctx, "step", 1)
	require.Len(t, fields, 8)
	assert.Equal(t, "run_id", fields[2])
	assert.Equal(t, "run-9", fields[3])
	assert.Equal(t, "trace_id", fields[4])
	assert.Equal(t, span.SpanContext().TraceID().String(), fields[5])
}
