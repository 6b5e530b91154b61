package chain

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/synoptiq/go-chain"

// Span attribute keys used by the runtime.
const (
	attrChainName  = attribute.Key("chain.name")
	attrRunID      = attribute.Key("chain.run_id")
	attrStageID    = attribute.Key("chain.stage.id")
	attrStageName  = attribute.Key("chain.stage.name")
	attrWorker     = attribute.Key("chain.stage.worker")
	attrStopMode   = attribute.Key("chain.stop_mode")
	attrNumStages  = attribute.Key("chain.stages")
	attrNumWorkers = attribute.Key("chain.stage.threads")
)

// TracerProvider hands out tracers for the chain. Every OpenTelemetry
// trace.TracerProvider satisfies it.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// NoopTracerProvider creates tracers that record nothing.
type NoopTracerProvider struct{}

// Tracer returns a no-op tracer.
func (*NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

var _ TracerProvider = (*NoopTracerProvider)(nil)

type globalTracerProvider struct{}

// Tracer resolves the global provider on every call so that a provider
// installed with otel.SetTracerProvider after New is honoured.
func (globalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// DefaultTracerProvider delegates to the global OpenTelemetry provider.
var DefaultTracerProvider TracerProvider = globalTracerProvider{}

// SDKTracerProvider wraps an OpenTelemetry SDK provider built by the
// ObservabilityFactory for one of the exporters.
type SDKTracerProvider struct {
	tp       *sdktrace.TracerProvider
	exporter string
}

// Tracer returns a tracer from the underlying provider.
func (p *SDKTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *SDKTracerProvider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down %s tracer provider: %w", p.exporter, err)
	}
	return nil
}

// Exporter names the exporter behind the provider.
func (p *SDKTracerProvider) Exporter() string {
	return p.exporter
}

var _ TracerProvider = (*SDKTracerProvider)(nil)

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func stageAttributes(st *stage) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrStageID.Int(int(st.id)),
		attrStageName.String(st.name),
		attrNumWorkers.Int(st.threads),
	}
}

func traceStage(st *stage) trace.SpanStartOption {
	return trace.WithAttributes(stageAttributes(st)...)
}
