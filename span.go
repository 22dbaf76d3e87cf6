package waitz

import (
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on every wait span.
const (
	AttrWaitReason   = attribute.Key("wait.reason")
	AttrWaitResource = attribute.Key("wait.resource")
	AttrThreadID     = attribute.Key("thread.id")
)

// CompletedSpan is a finished wait, ready for an Emitter.
//
//nolint:govet // Field alignment optimized for readability over memory
type CompletedSpan struct {
	Parent   trace.SpanContext
	Start    time.Time
	End      time.Time
	Name     string
	Thread   ThreadID
	Resource ResourceID
	Reason   Reason
	Kind     trace.SpanKind
}

// Duration returns how long the goroutine waited.
func (s CompletedSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// HasParent reports whether the wait happened inside a known trace context.
func (s CompletedSpan) HasParent() bool {
	return s.Parent.IsValid()
}

// Attributes returns the span attributes describing the wait.
// The resource is only included when the host reported one.
func (s CompletedSpan) Attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs,
		AttrWaitReason.String(s.Reason.String()),
		AttrThreadID.Int64(int64(s.Thread)),
	)
	if s.Resource != NoResource {
		attrs = append(attrs, AttrWaitResource.String("0x"+strconv.FormatUint(s.Resource, 16)))
	}
	return attrs
}
