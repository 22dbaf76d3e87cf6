package waitz

import (
	"fmt"
	"sync/atomic"
)

// maxOfferRetries bounds how often a producer re-reads the head after losing
// a claim race before the event is dropped.
const maxOfferRetries = 16

// cacheLinePad keeps the hot counters on separate cache lines.
type cacheLinePad [64]byte

type ringSlot struct {
	seq atomic.Uint64
	ev  WaitEvent
}

// RingBuffer is a bounded multi-producer queue of WaitEvent values.
// Producers never block: when the buffer is full the newest event is dropped
// and counted. Safe for concurrent use by multiple producers and consumers.
//
//nolint:govet // Padding placement is deliberate
type RingBuffer struct {
	_        cacheLinePad
	head     atomic.Uint64 // Next position to claim for writing.
	_        cacheLinePad
	tail     atomic.Uint64 // Next position to read.
	_        cacheLinePad
	overflow atomic.Uint64
	mask     uint64
	slots    []ringSlot
}

// NewRingBuffer creates a ring buffer with the given capacity.
// Capacity must be a power of two and at least 2.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if !isPowerOfTwo(capacity) || capacity < 2 {
		return nil, fmt.Errorf("%w: ring buffer capacity %d is not a power of two >= 2", ErrInvalidConfig, capacity)
	}

	r := &RingBuffer{
		mask:  uint64(capacity - 1),
		slots: make([]ringSlot, capacity),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Offer copies ev into the buffer.
// Returns false when the buffer is full or the claim kept losing races.
func (r *RingBuffer) Offer(ev *WaitEvent) bool {
	pos := r.head.Load()
	for i := 0; i < maxOfferRetries; i++ {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				slot.ev = *ev
				// Publish: consumers only read slots whose seq is pos+1.
				slot.seq.Store(pos + 1)
				return true
			}
			pos = r.head.Load()
		case diff < 0:
			// The slot still holds an unconsumed event from the previous lap.
			r.overflow.Add(1)
			return false
		default:
			pos = r.head.Load()
		}
	}

	r.overflow.Add(1)
	return false
}

// Poll moves the oldest published event into out.
// Returns false when the buffer is empty.
func (r *RingBuffer) Poll(out *WaitEvent) bool {
	pos := r.tail.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				*out = slot.ev
				// Hand the slot to the producer one lap ahead.
				slot.seq.Store(pos + r.mask + 1)
				return true
			}
			pos = r.tail.Load()
		case diff < 0:
			return false
		default:
			pos = r.tail.Load()
		}
	}
}

// Drain moves up to len(buf) events into buf and returns how many it moved.
func (r *RingBuffer) Drain(buf []WaitEvent) int {
	n := 0
	for n < len(buf) && r.Poll(&buf[n]) {
		n++
	}
	return n
}

// Len returns the approximate number of buffered events.
func (r *RingBuffer) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if head <= tail {
		return 0
	}
	return int(head - tail)
}

// claimed returns the position after the last slot claimed by a producer.
func (r *RingBuffer) claimed() uint64 {
	return r.head.Load()
}

// consumed returns the position after the last slot taken by a consumer.
func (r *RingBuffer) consumed() uint64 {
	return r.tail.Load()
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int {
	return len(r.slots)
}

// Overflow returns the number of events dropped because the buffer was full.
func (r *RingBuffer) Overflow() uint64 {
	return r.overflow.Load()
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
