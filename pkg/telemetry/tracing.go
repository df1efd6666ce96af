package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the tracing sink.
type TracingConfig struct {
	// TracerName is the name of the tracer.
	// Default: "github.com/vango-dev/tether"
	TracerName string

	// TracerProvider supplies the tracer. Default: otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
}

// TracingOption configures the tracing sink.
type TracingOption func(*TracingConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) TracingOption {
	return func(c *TracingConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(c *TracingConfig) {
		c.TracerProvider = tp
	}
}

// Tracing records notable events as short OpenTelemetry spans.
// Byte counters are skipped; they are too frequent to trace.
type Tracing struct {
	tracer trace.Tracer
}

// NewTracing creates a tracing sink.
func NewTracing(opts ...TracingOption) *Tracing {
	config := TracingConfig{TracerName: "github.com/vango-dev/tether"}
	for _, opt := range opts {
		opt(&config)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracing{tracer: tp.Tracer(config.TracerName)}
}

// Emit implements Sink.
func (t *Tracing) Emit(e Event) {
	if e.Kind == BytesSent || e.Kind == BytesReceived {
		return
	}

	opts := []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("tether.session_id", e.SessionID),
			attribute.String("tether.transport", e.Transport),
			attribute.Int64("tether.value", e.Value),
		),
	}
	if !e.Time.IsZero() {
		opts = append(opts, trace.WithTimestamp(e.Time))
	}

	_, span := t.tracer.Start(context.Background(), "tether."+e.Kind.String(), opts...)
	if e.Kind == DecodeError {
		span.SetStatus(codes.Error, "decode error")
	}
	span.End()
}
