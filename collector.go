package waitz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers completed wait spans in memory.
// It implements Emitter, which makes it the sink of choice for tests and for
// processes that export spans in batches themselves.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	spans        []CompletedSpan
	spansCh      chan CompletedSpan
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	mu           sync.Mutex
	intakeMu     sync.RWMutex // Held by Emit while sending; Close takes it to seal the intake.
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

var _ Emitter = (*Collector)(nil)

// NewCollector creates a collector whose intake channel holds bufferSize spans.
func NewCollector(bufferSize int) *Collector {
	c := &Collector{
		spans:   make([]CompletedSpan, 0, 8), // Start with small capacity.
		spansCh: make(chan CompletedSpan, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving spans from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining spans before shutdown.
			for {
				select {
				case span := <-c.spansCh:
					c.buffer(span)
				default:
					return
				}
			}
		case span := <-c.spansCh:
			c.buffer(span)
		}
	}
}

// Close stops the intake goroutine after draining queued spans.
// Buffered spans remain available through Export. Spans still queued when
// the drain times out are counted as dropped.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		// No Emit can be mid-send once the intake is sealed.
		c.intakeMu.Lock()
		c.closed.Store(true)
		c.intakeMu.Unlock()

		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
			c.dropQueued()
		}
	})
}

// dropQueued empties the intake channel, counting every span as dropped.
func (c *Collector) dropQueued() {
	for {
		select {
		case <-c.spansCh:
			c.droppedCount.Add(1)
		default:
			return
		}
	}
}

// Emit implements Emitter.
// When the intake channel is full the span is dropped and ErrCollectorFull
// is returned. In sync mode spans are buffered directly.
func (c *Collector) Emit(span CompletedSpan) error {
	c.intakeMu.RLock()
	defer c.intakeMu.RUnlock()

	if c.closed.Load() {
		c.droppedCount.Add(1)
		return ErrCollectorClosed
	}

	if c.syncMode.Load() {
		c.buffer(span)
		return nil
	}

	select {
	case c.spansCh <- span:
		return nil
	default:
		c.droppedCount.Add(1)
		return ErrCollectorFull
	}
}

// buffer appends a span to the internal buffer.
func (c *Collector) buffer(span CompletedSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.spans) >= cap(c.spans) {
		currentCap := cap(c.spans)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]CompletedSpan, len(c.spans), newCap)
		copy(grown, c.spans)
		c.spans = grown
	}
	c.spans = append(c.spans, span)
}

// Export returns all buffered spans and clears the buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []CompletedSpan {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.spans) == 0 {
		return nil
	}

	result := make([]CompletedSpan, len(c.spans))
	copy(result, c.spans)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.spans) > 256 && len(c.spans) < cap(c.spans)/8 {
		newCap := cap(c.spans) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.spans = make([]CompletedSpan, 0, newCap)
	} else {
		c.spans = c.spans[:0]
	}

	return result
}

// Count returns the current number of buffered spans.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

// DroppedCount returns the total number of spans dropped due to backpressure.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, spans are buffered directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered spans and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.spans = c.spans[:0]
	c.droppedCount.Store(0)
}
