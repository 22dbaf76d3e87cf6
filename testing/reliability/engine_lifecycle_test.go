package reliability

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/waitz"
	"go.opentelemetry.io/otel/trace"
)

// Engine lifecycle tests - verify start/stop cycling, shutdown under load,
// and reclamation of per-goroutine state.

func TestEngineLifecycle(t *testing.T) {
	config := getReliabilityConfig()

	switch config.Level {
	case "basic":
		t.Run("rapid_cycling", testRapidCycling)
		t.Run("registry_churn", func(t *testing.T) { testRegistryChurn(t, config) })
	case "stress":
		t.Run("rapid_cycling", testRapidCycling)
		t.Run("registry_churn", func(t *testing.T) { testRegistryChurn(t, config) })
		t.Run("concurrent_lifecycle", testConcurrentLifecycle)
	default:
		t.Skip("WAITZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
}

// testRapidCycling starts and stops engines on one hub and checks that no
// worker goroutines are left behind.
func testRapidCycling(t *testing.T) {
	hub := waitz.NewHub()
	collector := waitz.NewCollector(1024)
	collector.SetSyncMode(true)
	defer collector.Close()

	runtime.GC()
	before := runtime.NumGoroutine()

	for i := 0; i < 100; i++ {
		cfg := waitz.DefaultConfig()
		cfg.Hub = hub
		cfg.Emitter = collector
		cfg.ConsumerCount = 2
		cfg.OrphanPolicy = waitz.OrphanRoot
		engine, err := waitz.Start(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Cycle %d: start failed: %v", i, err)
		}
		hub.Sleep(10 * time.Microsecond)
		if err := engine.Stop(context.Background()); err != nil {
			t.Fatalf("Cycle %d: stop failed: %v", i, err)
		}
		if hub.Listening() {
			t.Fatalf("Cycle %d: listener left registered", i)
		}
	}

	// Workers, janitor and the group watcher should all be gone.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before+2 {
		t.Errorf("Goroutine leak: %d before, %d after", before, after)
	}
}

// testRegistryChurn runs many short-lived traced goroutines and verifies the
// janitor keeps the registry bounded.
func testRegistryChurn(t *testing.T, config ReliabilityConfig) {
	hub := waitz.NewHub()
	collector := waitz.NewCollector(1024)
	collector.SetSyncMode(true)
	defer collector.Close()

	cfg := waitz.DefaultConfig()
	cfg.Hub = hub
	cfg.Emitter = collector
	cfg.SweepInterval = 20 * time.Millisecond
	engine, err := waitz.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = engine.Stop(context.Background()) }()

	const waves = 20
	for wave := 0; wave < waves; wave++ {
		var wg sync.WaitGroup
		for g := 0; g < config.MaxGoroutines; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				sc := trace.NewSpanContext(trace.SpanContextConfig{
					TraceID:    trace.TraceID{byte(wave), byte(g), 1},
					SpanID:     trace.SpanID{byte(g), 1},
					TraceFlags: trace.FlagsSampled,
				})
				// Exits without restoring, like a goroutine that leaks its span.
				_ = engine.Registry().Bind(trace.ContextWithSpanContext(context.Background(), sc))
				hub.Block(waitz.ReasonPark, waitz.NoResource)()
			}(g)
		}
		wg.Wait()
	}

	deadline := time.Now().Add(2 * time.Second)
	for engine.Registry().Len() > config.MaxRegistry && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := engine.Registry().Len(); n > config.MaxRegistry {
		t.Errorf("Registry not reclaimed: %d entries after churn", n)
	}
	if engine.Stats().RegistryReclaimed == 0 {
		t.Error("Expected the janitor to reclaim entries")
	}
}

// testConcurrentLifecycle runs independent engines side by side.
func testConcurrentLifecycle(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub := waitz.NewHub()
			collector := waitz.NewCollector(64)
			collector.SetSyncMode(true)
			defer collector.Close()

			cfg := waitz.DefaultConfig()
			cfg.Hub = hub
			cfg.Emitter = collector
			cfg.OrphanPolicy = waitz.OrphanRoot
			cfg.MinSpanDuration = 0
			engine, err := waitz.Start(context.Background(), cfg)
			if err != nil {
				errs <- err
				return
			}
			for j := 0; j < 1000; j++ {
				hub.Block(waitz.ReasonSleep, waitz.NoResource)()
			}
			if err := engine.Stop(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
