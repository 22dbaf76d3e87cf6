package waitz

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingBufferRejectsInvalidCapacity(t *testing.T) {
	for _, capacity := range []int{-4, 0, 1, 3, 1000} {
		_, err := NewRingBuffer(capacity)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("capacity %d: expected ErrInvalidConfig, got %v", capacity, err)
		}
	}
}

func TestRingBufferFIFO(t *testing.T) {
	ring, err := NewRingBuffer(8)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		ev := WaitEvent{Thread: ThreadID(i), Timestamp: int64(i * 10)}
		require.True(t, ring.Offer(&ev))
	}
	assert.Equal(t, 5, ring.Len())
	assert.Equal(t, 8, ring.Cap())

	var out WaitEvent
	for i := 1; i <= 5; i++ {
		require.True(t, ring.Poll(&out))
		assert.Equal(t, ThreadID(i), out.Thread)
		assert.Equal(t, int64(i*10), out.Timestamp)
	}

	// Empty buffer.
	assert.False(t, ring.Poll(&out))
	assert.Equal(t, 0, ring.Len())
}

func TestRingBufferOverflowDropsExactlyOne(t *testing.T) {
	const capacity = 16
	ring, err := NewRingBuffer(capacity)
	require.NoError(t, err)

	accepted := 0
	for i := 0; i < capacity+1; i++ {
		ev := WaitEvent{Thread: ThreadID(i + 1)}
		if ring.Offer(&ev) {
			accepted++
		}
	}

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, uint64(1), ring.Overflow())

	// The newest event was dropped, the oldest survive.
	var out WaitEvent
	require.True(t, ring.Poll(&out))
	assert.Equal(t, ThreadID(1), out.Thread)
}

func TestRingBufferWrapAround(t *testing.T) {
	ring, err := NewRingBuffer(4)
	require.NoError(t, err)

	var out WaitEvent
	// Several laps around the buffer.
	for i := 0; i < 100; i++ {
		ev := WaitEvent{Thread: ThreadID(i), Timestamp: int64(i)}
		require.True(t, ring.Offer(&ev), "offer %d", i)
		require.True(t, ring.Poll(&out), "poll %d", i)
		require.Equal(t, ThreadID(i), out.Thread)
	}
	assert.Equal(t, uint64(0), ring.Overflow())
}

func TestRingBufferSlotReusableAfterOverflow(t *testing.T) {
	ring, err := NewRingBuffer(2)
	require.NoError(t, err)

	a, b, c := WaitEvent{Thread: 1}, WaitEvent{Thread: 2}, WaitEvent{Thread: 3}
	require.True(t, ring.Offer(&a))
	require.True(t, ring.Offer(&b))
	require.False(t, ring.Offer(&c))

	var out WaitEvent
	require.True(t, ring.Poll(&out))
	require.True(t, ring.Offer(&c))

	got := make([]WaitEvent, 4)
	n := ring.Drain(got)
	require.Equal(t, 2, n)
	assert.Equal(t, ThreadID(2), got[0].Thread)
	assert.Equal(t, ThreadID(3), got[1].Thread)
}

func TestRingBufferDrainRespectsBatchSize(t *testing.T) {
	ring, err := NewRingBuffer(32)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ev := WaitEvent{Thread: ThreadID(i)}
		require.True(t, ring.Offer(&ev))
	}

	batch := make([]WaitEvent, 8)
	assert.Equal(t, 8, ring.Drain(batch))
	assert.Equal(t, 8, ring.Drain(batch))
	assert.Equal(t, 4, ring.Drain(batch))
	assert.Equal(t, 0, ring.Drain(batch))
}

// stampEvent fills every field from (producer, seq) so a reader can detect
// a partially written slot.
func stampEvent(producer, seq int) WaitEvent {
	ev := WaitEvent{
		Thread:    ThreadID(producer + 1),
		Timestamp: int64(seq),
		Resource:  ResourceID(producer+1)<<32 | ResourceID(seq),
		Kind:      Kind(seq % 2),
		Reason:    Reason(seq % 5),
		Depth:     MaxStackFrames,
	}
	for i := range ev.Stack {
		ev.Stack[i] = uintptr(ev.Resource) ^ uintptr(i)
	}
	return ev
}

func checkStamped(ev *WaitEvent) bool {
	producer := int(ev.Thread) - 1
	seq := int(ev.Timestamp)
	want := stampEvent(producer, seq)
	return *ev == want
}

func TestRingBufferConcurrentProducersNoTornReads(t *testing.T) {
	const (
		producers = 8
		perWorker = 20000
	)
	ring, err := NewRingBuffer(256)
	require.NoError(t, err)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ev := stampEvent(p, i)
				if ring.Offer(&ev) {
					accepted.Add(1)
				}
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	lastSeq := make([]int64, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}

	var received int64
	var corrupt int
	var reordered int
	var out WaitEvent
	finished := false
	for {
		if ring.Poll(&out) {
			received++
			if !checkStamped(&out) {
				corrupt++
				continue
			}
			p := int(out.Thread) - 1
			if out.Timestamp <= lastSeq[p] {
				reordered++
			}
			lastSeq[p] = out.Timestamp
			continue
		}
		if finished {
			break
		}
		select {
		case <-done:
			// One more pass to pick up the tail.
			finished = true
		default:
		}
	}

	assert.Zero(t, corrupt, "torn events observed")
	assert.Zero(t, reordered, "per-producer order violated")
	assert.Equal(t, accepted.Load(), received)
	assert.Equal(t, uint64(producers*perWorker)-uint64(accepted.Load()), ring.Overflow())
}
