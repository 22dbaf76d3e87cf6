package waitz

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ContextTracker is an OpenTelemetry span processor that keeps a
// ContextRegistry in step with the spans started on each goroutine.
//
// Go has no implicit current span, so the tracker treats "started on this
// goroutine" as "active on this goroutine" until the span ends there. Ending
// it restores what was active on the goroutine before it started, which is
// not necessarily its parent: a parent started on another goroutine is never
// recorded here.
type ContextTracker struct {
	registry *ContextRegistry
}

var _ sdktrace.SpanProcessor = (*ContextTracker)(nil)

// NewContextTracker creates a span processor recording into registry.
func NewContextTracker(registry *ContextRegistry) *ContextTracker {
	return &ContextTracker{registry: registry}
}

// OnStart implements trace.SpanProcessor.
func (t *ContextTracker) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	t.registry.push(CurrentThread(), s.SpanContext())
}

// OnEnd implements trace.SpanProcessor.
// Spans ended on another goroutine, or below a newer span, are ignored.
func (t *ContextTracker) OnEnd(s sdktrace.ReadOnlySpan) {
	t.registry.pop(CurrentThread(), s.SpanContext())
}

// Shutdown implements trace.SpanProcessor.
func (*ContextTracker) Shutdown(context.Context) error {
	return nil
}

// ForceFlush implements trace.SpanProcessor.
func (*ContextTracker) ForceFlush(context.Context) error {
	return nil
}
