package waitz

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// maxPushDepth bounds the chain of entries a goroutine keeps for restoring.
// Spans that are started but ended elsewhere would otherwise grow it forever.
const maxPushDepth = 64

type registryEntry struct {
	sc    trace.SpanContext
	prev  *registryEntry // Entry that was current when sc was pushed.
	epoch uint64         // Sweep epoch at the time of recording.
	depth int
}

// ContextRegistry maps goroutines to the span context currently active on them.
// Entries hold only the span context value, never the goroutine or the span,
// and are reclaimed by sweeps once their goroutine has exited.
// Writes are last-writer-wins per goroutine.
// Safe for concurrent use by multiple goroutines.
type ContextRegistry struct {
	entries   sync.Map // ThreadID -> *registryEntry.
	size      atomic.Int64
	epoch     atomic.Uint64
	reclaimed atomic.Uint64
}

// NewContextRegistry creates an empty registry.
func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{}
}

// Record sets the active span context for thread.
// An invalid span context removes the entry.
func (r *ContextRegistry) Record(thread ThreadID, sc trace.SpanContext) {
	if !sc.IsValid() {
		r.Forget(thread)
		return
	}
	entry := &registryEntry{sc: sc, epoch: r.epoch.Load()}
	if _, loaded := r.entries.Swap(thread, entry); !loaded {
		r.size.Add(1)
	}
}

// Current returns the span context last recorded for thread.
func (r *ContextRegistry) Current(thread ThreadID) (trace.SpanContext, bool) {
	v, ok := r.entries.Load(thread)
	if !ok {
		return trace.SpanContext{}, false
	}
	return v.(*registryEntry).sc, true
}

// Forget removes the entry for thread.
func (r *ContextRegistry) Forget(thread ThreadID) {
	if _, loaded := r.entries.LoadAndDelete(thread); loaded {
		r.size.Add(-1)
	}
}

// Len returns the number of tracked goroutines.
func (r *ContextRegistry) Len() int {
	return int(r.size.Load())
}

// Reclaimed returns how many entries sweeps have removed so far.
func (r *ContextRegistry) Reclaimed() uint64 {
	return r.reclaimed.Load()
}

// Sweep removes entries of goroutines that liveness no longer reports and
// returns how many were removed.
func (r *ContextRegistry) Sweep(liveness ThreadLiveness) (int, error) {
	mark := r.beginSweep()
	live, err := liveness.Snapshot()
	if err != nil {
		return 0, err
	}
	return r.sweepBefore(mark, live), nil
}

// beginSweep starts a new epoch. Entries recorded from now on are newer than
// any liveness snapshot taken after this call and survive the sweep.
func (r *ContextRegistry) beginSweep() uint64 {
	return r.epoch.Add(1)
}

// sweepBefore drops entries recorded before mark whose goroutine is not live.
// Goroutine ids are never reused, so a removed id cannot come back with a
// different owner.
func (r *ContextRegistry) sweepBefore(mark uint64, live ThreadSet) int {
	removed := 0
	r.entries.Range(func(key, value any) bool {
		thread := key.(ThreadID)
		entry := value.(*registryEntry)
		if entry.epoch >= mark || live.Contains(thread) {
			return true
		}
		// Leave entries that were replaced since Range loaded them.
		if r.entries.CompareAndDelete(thread, entry) {
			r.size.Add(-1)
			removed++
		}
		return true
	})
	r.reclaimed.Add(uint64(removed))
	return removed
}

// push records sc for thread and remembers the entry it replaces.
func (r *ContextRegistry) push(thread ThreadID, sc trace.SpanContext) {
	entry := &registryEntry{sc: sc, epoch: r.epoch.Load()}
	if v, ok := r.entries.Load(thread); ok {
		if prev := v.(*registryEntry); prev.depth < maxPushDepth {
			entry.prev = prev
			entry.depth = prev.depth + 1
		}
	}
	if _, loaded := r.entries.Swap(thread, entry); !loaded {
		r.size.Add(1)
	}
}

// pop restores the entry that was current on thread before sc was pushed.
// It does nothing unless sc is the current entry of thread.
func (r *ContextRegistry) pop(thread ThreadID, sc trace.SpanContext) {
	v, ok := r.entries.Load(thread)
	if !ok {
		return
	}
	entry := v.(*registryEntry)
	if !entry.sc.Equal(sc) {
		return
	}
	if entry.prev == nil {
		if r.entries.CompareAndDelete(thread, entry) {
			r.size.Add(-1)
		}
		return
	}
	restored := *entry.prev
	restored.epoch = r.epoch.Load()
	r.entries.CompareAndSwap(thread, entry, &restored)
}

// Bind records the span carried by ctx as active on the calling goroutine.
// The returned function restores whatever was recorded before.
//
//	restore := registry.Bind(ctx)
//	defer restore()
func (r *ContextRegistry) Bind(ctx context.Context) (restore func()) {
	thread := CurrentThread()
	prev, hadPrev := r.entries.Load(thread)
	r.Record(thread, trace.SpanContextFromContext(ctx))

	return func() {
		if !hadPrev {
			r.Forget(thread)
			return
		}
		// Restore the whole entry so spans pushed before Bind still unwind.
		restored := *prev.(*registryEntry)
		restored.epoch = r.epoch.Load()
		if _, loaded := r.entries.Swap(thread, &restored); !loaded {
			r.size.Add(1)
		}
	}
}
