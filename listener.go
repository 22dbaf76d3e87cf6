package waitz

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
	"github.com/zoobzio/clockz"
)

// StateListener receives thread state transitions from the host runtime.
// Implementations must return quickly and must never panic into the caller.
type StateListener interface {
	// OnThreadWait is called when thread stops being runnable.
	OnThreadWait(thread ThreadID, reason Reason, resource ResourceID)
	// OnThreadResume is called when thread becomes runnable again.
	OnThreadResume(thread ThreadID)
}

// listener turns notifications into ring buffer events.
// It reads the clock, builds a WaitEvent on the stack and offers it to the
// worker that owns the thread. It takes no locks and does not allocate.
type listener struct {
	clock         clockz.Clock
	anchor        time.Time
	workers       []*worker
	counters      *counters
	captureStacks bool
	active        atomic.Bool
}

var _ StateListener = (*listener)(nil)

// OnThreadWait implements StateListener.
func (l *listener) OnThreadWait(thread ThreadID, reason Reason, resource ResourceID) {
	defer l.recoverFault()

	if !l.active.Load() {
		l.counters.eventsRejected.Add(1)
		return
	}

	ev := WaitEvent{
		Thread:    thread,
		Timestamp: l.now(),
		Resource:  resource,
		Kind:      EnterWait,
		Reason:    reason,
	}
	if l.captureStacks {
		// Skip runtime.Callers and this method.
		ev.Depth = uint8(runtime.Callers(2, ev.Stack[:]))
	}
	l.publish(&ev)
}

// OnThreadResume implements StateListener.
func (l *listener) OnThreadResume(thread ThreadID) {
	defer l.recoverFault()

	if !l.active.Load() {
		l.counters.eventsRejected.Add(1)
		return
	}

	ev := WaitEvent{
		Thread:    thread,
		Timestamp: l.now(),
		Kind:      ExitWait,
	}
	l.publish(&ev)
}

func (l *listener) now() int64 {
	return int64(l.clock.Since(l.anchor))
}

func (l *listener) publish(ev *WaitEvent) {
	w := l.shard(ev.Thread)
	if !w.ring.Offer(ev) {
		// Counted by the ring buffer.
		return
	}
	l.counters.eventsEnqueued.Add(1)
	w.strategy.signal()
}

// shard pins a thread to one worker so its enter and exit events are
// consumed in order.
func (l *listener) shard(thread ThreadID) *worker {
	if len(l.workers) == 1 {
		return l.workers[0]
	}
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], thread)
	return l.workers[xxh3.Hash(key[:])%uint64(len(l.workers))]
}

func (l *listener) recoverFault() {
	if r := recover(); r != nil {
		l.counters.listenerFaults.Add(1)
	}
}
