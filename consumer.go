package waitz

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// pendingWait is an open wait of one goroutine.
//
//nolint:govet // Field order keeps the stack array last
type pendingWait struct {
	parent    trace.SpanContext
	start     int64
	resource  ResourceID
	reason    Reason
	hasParent bool
	depth     uint8
	stack     [MaxStackFrames]uintptr
}

// liveSnapshot is a liveness result published by the janitor.
type liveSnapshot struct {
	live  ThreadSet
	marks []uint64 // Ring head per worker, taken after the snapshot.
	gen   uint64
	at    int64 // Engine offset taken before the snapshot.
}

// worker drains one ring buffer and turns matched enter/exit pairs into
// spans. Every goroutine is routed to exactly one worker, so the pending map
// is owned by the worker goroutine and needs no locking.
//
//nolint:govet // Field order optimized for functionality over memory
type worker struct {
	engine   *Engine
	ring     *RingBuffer
	strategy waitStrategy
	pending  map[ThreadID]pendingWait
	batch    []WaitEvent
	liveGen  uint64
	id       int
}

func newWorker(e *Engine, id int, ring *RingBuffer) *worker {
	return &worker{
		engine:   e,
		ring:     ring,
		strategy: newWaitStrategy(&e.cfg),
		pending:  make(map[ThreadID]pendingWait),
		batch:    make([]WaitEvent, e.cfg.BatchSize),
		id:       id,
	}
}

// run consumes events until stop is closed, then drains what is left.
func (w *worker) run(stop <-chan struct{}) {
	for {
		if n := w.ring.Drain(w.batch); n > 0 {
			w.process(w.batch[:n])
			w.strategy.reset()
			w.applyLiveness()
			continue
		}
		w.applyLiveness()
		if !w.strategy.idle(stop) {
			w.drain()
			w.applyLiveness()
			return
		}
	}
}

// drain processes everything still buffered. The listener is inactive by
// the time it runs, so the loop ends.
func (w *worker) drain() {
	for {
		n := w.ring.Drain(w.batch)
		if n == 0 {
			return
		}
		w.process(w.batch[:n])
	}
}

func (w *worker) process(events []WaitEvent) {
	for i := range events {
		switch events[i].Kind {
		case EnterWait:
			w.enter(&events[i])
		case ExitWait:
			w.exit(&events[i])
		}
	}
}

func (w *worker) enter(ev *WaitEvent) {
	e := w.engine
	if _, exists := w.pending[ev.Thread]; exists {
		// A missed exit; the newer wait wins.
		e.counters.doubleEnters.Add(1)
		e.sampledLogger.Debug().
			Uint64("thread", ev.Thread).
			Str("reason", ev.Reason.String()).
			Msg("wait entered twice, replacing pending wait")
	}

	parent, ok := e.registry.Current(ev.Thread)
	w.pending[ev.Thread] = pendingWait{
		parent:    parent,
		start:     ev.Timestamp,
		resource:  ev.Resource,
		reason:    ev.Reason,
		hasParent: ok,
		depth:     ev.Depth,
		stack:     ev.Stack,
	}
}

func (w *worker) exit(ev *WaitEvent) {
	e := w.engine
	p, ok := w.pending[ev.Thread]
	if !ok {
		e.counters.eventsUnmatched.Add(1)
		return
	}
	delete(w.pending, ev.Thread)

	if time.Duration(ev.Timestamp-p.start) < e.cfg.MinSpanDuration {
		e.counters.spansSuppressed.Add(1)
		return
	}
	if !p.hasParent {
		if e.cfg.OrphanPolicy == OrphanSuppress {
			e.counters.spansOrphaned.Add(1)
			return
		}
	} else if e.cfg.RequireSampled && !p.parent.IsSampled() {
		e.counters.spansUnsampled.Add(1)
		return
	}

	span := CompletedSpan{
		Parent:   p.parent,
		Start:    e.anchor.Add(time.Duration(p.start)),
		End:      e.anchor.Add(time.Duration(ev.Timestamp)),
		Name:     e.namer.name(p.stack[:p.depth], p.reason),
		Thread:   ev.Thread,
		Resource: p.resource,
		Reason:   p.reason,
		Kind:     trace.SpanKindInternal,
	}
	if err := safeEmit(e.emitter, span); err != nil {
		e.counters.emitFailures.Add(1)
		e.sampledLogger.Warn().
			Err(err).
			Str("span", span.Name).
			Msg("failed to emit wait span")
		return
	}
	e.counters.spansEmitted.Add(1)
}

// applyLiveness discards open waits of goroutines missing from the latest
// janitor snapshot. Waits that began after the snapshot are kept.
// A snapshot only applies once the worker has consumed everything published
// before it was taken, so an exit already in the ring still finds its enter.
func (w *worker) applyLiveness() {
	snap := w.engine.liveness.Load()
	if snap == nil || snap.gen == w.liveGen {
		return
	}
	if w.ring.consumed() < snap.marks[w.id] {
		return
	}
	w.liveGen = snap.gen

	for thread, p := range w.pending {
		if p.start < snap.at && !snap.live.Contains(thread) {
			delete(w.pending, thread)
			w.engine.counters.pendingDiscarded.Add(1)
		}
	}
}
