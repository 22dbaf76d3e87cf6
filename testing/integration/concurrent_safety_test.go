package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/waitz"
)

// countingListener counts notifications next to the engine's listener.
type countingListener struct {
	enters atomic.Int64
	exits  atomic.Int64
}

func (c *countingListener) OnThreadWait(waitz.ThreadID, waitz.Reason, waitz.ResourceID) {
	c.enters.Add(1)
}

func (c *countingListener) OnThreadResume(waitz.ThreadID) {
	c.exits.Add(1)
}

func TestContendedMutexFromManyGoroutines(t *testing.T) {
	hub := waitz.NewHub()
	counter := &countingListener{}
	if err := hub.Register(counter); err != nil {
		t.Fatal(err)
	}

	mock := NewMockCollector(t, 1024)
	engine := startCollectorEngine(t, hub, mock, func(c *waitz.Config) {
		c.ConsumerCount = 4
		c.RingBufferCapacity = 1 << 16
	})

	m := &waitz.Mutex{Hub: hub}
	shared := 0

	const (
		goroutines = 32
		iterations = 200
	)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				m.Lock()
				shared++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if shared != goroutines*iterations {
		t.Fatalf("Mutex lost updates: %d", shared)
	}

	stats := engine.Stats()
	if stats.EventsDropped != 0 {
		t.Fatalf("Unexpected drops: %d", stats.EventsDropped)
	}
	if stats.EventsUnmatched != 0 || stats.DoubleEnters != 0 {
		t.Errorf("Per-goroutine ordering broken: unmatched=%d double=%d", stats.EventsUnmatched, stats.DoubleEnters)
	}
	if int64(stats.SpansEmitted) != counter.enters.Load() {
		t.Errorf("Expected one span per contended lock: spans=%d enters=%d", stats.SpansEmitted, counter.enters.Load())
	}
	if counter.enters.Load() != counter.exits.Load() {
		t.Errorf("Hub delivered %d enters but %d exits", counter.enters.Load(), counter.exits.Load())
	}
	if got := len(mock.GetAll()); uint64(got) != stats.SpansEmitted {
		t.Errorf("Collector holds %d spans, engine emitted %d", got, stats.SpansEmitted)
	}
}

func TestIndependentEnginesOnSeparateHubs(t *testing.T) {
	hubA, hubB := waitz.NewHub(), waitz.NewHub()
	mockA, mockB := NewMockCollector(t, 16), NewMockCollector(t, 16)
	engineA := startCollectorEngine(t, hubA, mockA, nil)
	engineB := startCollectorEngine(t, hubB, mockB, nil)

	hubA.Sleep(time.Millisecond)
	hubB.Sleep(time.Millisecond)
	hubB.Sleep(time.Millisecond)

	for _, e := range []*waitz.Engine{engineA, engineB} {
		if err := e.Stop(context.Background()); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	}
	mockA.AssertSpanCount(1)
	mockB.AssertSpanCount(2)
}

func TestStopWhileProducing(t *testing.T) {
	hub := waitz.NewHub()
	mock := NewMockCollector(t, 1024)
	engine := startCollectorEngine(t, hub, mock, nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Block(waitz.ReasonPark, waitz.NoResource)()
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := engine.Stop(context.Background()); err != nil {
		t.Fatalf("Stop under load failed: %v", err)
	}
	close(stop)
	wg.Wait()

	if hub.Listening() {
		t.Error("Expected listener deregistered after stop")
	}
	stats := engine.Stats()
	if stats.Buffered != 0 {
		t.Errorf("Expected buffers drained, %d events left", stats.Buffered)
	}
}
