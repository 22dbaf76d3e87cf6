// Package waitz turns goroutine wait periods into distributed tracing spans.
//
// A goroutine that blocks on a lock, parks on a channel, sleeps, or waits on
// I/O is not computing, yet that time still lands in request latency. waitz
// records each wait as a child span of the trace context that was active on
// the goroutine when the wait began.
//
// Core Components:.
//   - Hub: host runtime shim that instrumented primitives report to.
//   - StateListener: receives enter/exit notifications without blocking.
//   - RingBuffer: bounded lock-free queue between listener and workers.
//   - ContextRegistry: goroutine to span context association.
//   - Engine: owns the workers that correlate events and emit spans.
//   - Emitter: sink for finished wait spans (OpenTelemetry or Collector).
//
// Basic Usage:.
//
//	registry := waitz.NewContextRegistry()
//	tp := sdktrace.NewTracerProvider(
//		sdktrace.WithSpanProcessor(waitz.NewContextTracker(registry)),
//	)
//
//	hub := waitz.NewHub()
//	cfg := waitz.DefaultConfig()
//	cfg.Hub = hub
//	cfg.Registry = registry
//	cfg.Emitter = waitz.NewTracerEmitter(tp)
//
//	engine, err := waitz.Start(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer engine.Stop(context.Background())
//
//	mu := waitz.Mutex{Hub: hub}
//	mu.Lock() // contended acquisitions become wait spans.
//	mu.Unlock()
//
// Thread Safety:.
//
// Hub, Engine, ContextRegistry and Collector are safe for concurrent use.
// The listener never blocks the calling goroutine: when the ring buffer is
// full the event is dropped and counted.
//
// Data Loss:.
//
// waitz degrades by losing data rather than slowing the application down.
// Use Engine.Stats to monitor dropped events, unmatched exits, and failed
// emissions.
package waitz

// ThreadID identifies a goroutine. The Go runtime never reuses goroutine ids.
type ThreadID = uint64

// ResourceID identifies the resource a goroutine waits on, such as a lock.
type ResourceID = uint64

// NoResource marks a wait without a known resource.
const NoResource ResourceID = 0
