package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/waitz"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []waitz.CompletedSpan
	*waitz.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a collector for testing.
func NewMockCollector(t *testing.T, bufferSize int) *MockCollector {
	collector := waitz.NewCollector(bufferSize)
	collector.SetSyncMode(true) // Enable synchronous collection for testing.
	t.Cleanup(collector.Close)
	return &MockCollector{
		Collector: collector,
		t:         t,
		exported:  make([]waitz.CompletedSpan, 0),
	}
}

// GetAll returns every span collected so far without losing earlier exports.
func (m *MockCollector) GetAll() []waitz.CompletedSpan {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := m.Collector.Export(); len(current) > 0 {
		m.exported = append(m.exported, current...)
	}
	all := make([]waitz.CompletedSpan, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForSpans waits for expected number of spans with timeout.
func (m *MockCollector) WaitForSpans(expected int, timeout time.Duration) []waitz.CompletedSpan {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if spans := m.GetAll(); len(spans) >= expected {
			return spans
		}
		<-ticker.C
	}

	spans := m.GetAll()
	m.t.Errorf("Timeout waiting for spans: expected %d, got %d", expected, len(spans))
	return spans
}

// AssertSpanCount verifies exact span count.
func (m *MockCollector) AssertSpanCount(expected int) {
	if spans := m.GetAll(); len(spans) != expected {
		m.t.Errorf("Expected %d spans, got %d", expected, len(spans))
	}
}

// AssertSpanNamed returns the first span whose name contains fragment.
func (m *MockCollector) AssertSpanNamed(fragment string) *waitz.CompletedSpan {
	spans := m.GetAll()
	for i := range spans {
		if strings.Contains(spans[i].Name, fragment) {
			return &spans[i]
		}
	}
	m.t.Errorf("No span named like '%s' in %v", fragment, spanNames(spans))
	return nil
}

func spanNames(spans []waitz.CompletedSpan) []string {
	names := make([]string, len(spans))
	for i := range spans {
		names[i] = spans[i].Name
	}
	sort.Strings(names)
	return names
}

// Harness runs an engine against a real OpenTelemetry pipeline: request spans
// are tracked per goroutine and wait spans land in an in-memory recorder.
//
//nolint:govet // Field alignment optimized for test helper readability
type Harness struct {
	Hub      *waitz.Hub
	Engine   *waitz.Engine
	Provider *sdktrace.TracerProvider
	Recorder *tracetest.SpanRecorder
	Tracer   trace.Tracer
	t        *testing.T
}

// NewHarness wires hub, registry, tracker, tracer emitter and engine.
// mutate adjusts the engine config before start.
func NewHarness(t *testing.T, mutate func(*waitz.Config)) *Harness {
	t.Helper()

	registry := waitz.NewContextRegistry()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(waitz.NewContextTracker(registry)),
		sdktrace.WithSpanProcessor(recorder),
	)
	hub := waitz.NewHub()

	cfg := waitz.DefaultConfig()
	cfg.Hub = hub
	cfg.Registry = registry
	cfg.Emitter = waitz.NewTracerEmitter(provider)
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := waitz.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}

	h := &Harness{
		Hub:      hub,
		Engine:   engine,
		Provider: provider,
		Recorder: recorder,
		Tracer:   provider.Tracer("integration"),
		t:        t,
	}
	t.Cleanup(func() {
		_ = engine.Stop(context.Background())
		_ = provider.Shutdown(context.Background())
	})
	return h
}

// Stop drains the engine so every wait has been turned into a span.
func (h *Harness) Stop() {
	if err := h.Engine.Stop(context.Background()); err != nil {
		h.t.Fatalf("Engine stop failed: %v", err)
	}
}

// WaitSpans returns recorded spans from the waitz scope.
func (h *Harness) WaitSpans() []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range h.Recorder.Ended() {
		if s.InstrumentationScope().Name == waitz.ScopeName {
			out = append(out, s)
		}
	}
	return out
}

// SpanByName returns the first ended span with the given name.
func (h *Harness) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, s := range h.Recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	h.t.Fatalf("Span '%s' not recorded", name)
	return nil
}

// AssertChildOf verifies child was parented to parent.
func AssertChildOf(t *testing.T, child, parent sdktrace.ReadOnlySpan) {
	t.Helper()
	if child.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Errorf("Span %s is not a child of %s", child.Name(), parent.Name())
	}
	if child.SpanContext().TraceID() != parent.SpanContext().TraceID() {
		t.Errorf("Trace ID mismatch: parent=%s, child=%s",
			parent.SpanContext().TraceID(), child.SpanContext().TraceID())
	}
}

// AttrString returns a string attribute of a recorded span.
func AttrString(s sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

// DescribeSpans formats recorded spans for failure messages.
func DescribeSpans(spans []sdktrace.ReadOnlySpan) string {
	var sb strings.Builder
	for _, s := range spans {
		fmt.Fprintf(&sb, "%s (%.2fms) parent=%s\n",
			s.Name(), s.EndTime().Sub(s.StartTime()).Seconds()*1000, s.Parent().SpanID())
	}
	return sb.String()
}
