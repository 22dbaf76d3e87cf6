package waitz

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope used for emitted wait spans.
const ScopeName = "github.com/zoobzio/waitz"

// Emitter hands a finished wait span to a tracing backend.
type Emitter interface {
	Emit(span CompletedSpan) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(span CompletedSpan) error

// Emit calls f.
func (f EmitterFunc) Emit(span CompletedSpan) error {
	return f(span)
}

// TracerEmitter creates OpenTelemetry spans for completed waits.
// Spans carry explicit start and end timestamps since they are built after
// the wait has finished.
type TracerEmitter struct {
	tracer trace.Tracer
}

// NewTracerEmitter creates an emitter using the waitz scope of tp.
func NewTracerEmitter(tp trace.TracerProvider) *TracerEmitter {
	return &TracerEmitter{tracer: tp.Tracer(ScopeName)}
}

// NewTracerEmitterFrom creates an emitter around an existing tracer.
func NewTracerEmitterFrom(tracer trace.Tracer) *TracerEmitter {
	return &TracerEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (e *TracerEmitter) Emit(s CompletedSpan) error {
	ctx := context.Background()
	opts := []trace.SpanStartOption{
		trace.WithTimestamp(s.Start),
		trace.WithSpanKind(s.Kind),
		trace.WithAttributes(s.Attributes()...),
	}
	if s.Parent.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, s.Parent)
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	_, span := e.tracer.Start(ctx, s.Name, opts...)
	span.End(trace.WithTimestamp(s.End))
	return nil
}

// safeEmit calls the emitter and converts a panic into an error.
func safeEmit(e Emitter, s CompletedSpan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEmitPanic, r)
		}
	}()
	return e.Emit(s)
}
