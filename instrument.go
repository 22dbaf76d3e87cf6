package waitz

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Mutex is a sync.Mutex that reports contended acquisitions to its Hub as
// monitor-block waits. Uncontended locks cost one TryLock.
// The zero value is an unlocked mutex that reports nothing.
type Mutex struct {
	Hub *Hub
	mu  sync.Mutex
	id  atomic.Uint64
}

// Lock locks m, reporting the wait if m is held by someone else.
func (m *Mutex) Lock() {
	if m.mu.TryLock() {
		return
	}
	thread := m.Hub.Wait(ReasonMonitorBlock, lockResource(m.Hub, &m.id))
	m.mu.Lock()
	m.Hub.Resume(thread)
}

// TryLock tries to lock m without waiting.
func (m *Mutex) TryLock() bool {
	return m.mu.TryLock()
}

// Unlock unlocks m.
func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// RWMutex is a sync.RWMutex that reports contended acquisitions to its Hub.
type RWMutex struct {
	Hub *Hub
	mu  sync.RWMutex
	id  atomic.Uint64
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	if rw.mu.TryLock() {
		return
	}
	thread := rw.Hub.Wait(ReasonMonitorBlock, lockResource(rw.Hub, &rw.id))
	rw.mu.Lock()
	rw.Hub.Resume(thread)
}

// Unlock unlocks rw for writing.
func (rw *RWMutex) Unlock() {
	rw.mu.Unlock()
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	if rw.mu.TryRLock() {
		return
	}
	thread := rw.Hub.Wait(ReasonMonitorBlock, lockResource(rw.Hub, &rw.id))
	rw.mu.RLock()
	rw.Hub.Resume(thread)
}

// RUnlock undoes a single RLock call.
func (rw *RWMutex) RUnlock() {
	rw.mu.RUnlock()
}

// TryLock tries to lock rw for writing without waiting.
func (rw *RWMutex) TryLock() bool {
	return rw.mu.TryLock()
}

// TryRLock tries to lock rw for reading without waiting.
func (rw *RWMutex) TryRLock() bool {
	return rw.mu.TryRLock()
}

// lockResource lazily assigns a resource id to a lock.
func lockResource(h *Hub, slot *atomic.Uint64) ResourceID {
	if id := slot.Load(); id != NoResource {
		return id
	}
	id := h.NewResource()
	if id == NoResource || slot.CompareAndSwap(NoResource, id) {
		return id
	}
	return slot.Load()
}

// Sleep pauses the calling goroutine for d and reports it as a sleep wait.
func (h *Hub) Sleep(d time.Duration) {
	thread := h.Wait(ReasonSleep, NoResource)
	time.Sleep(d)
	h.Resume(thread)
}

// WaitGroup waits on wg and reports it as a park wait.
func (h *Hub) WaitGroup(wg *sync.WaitGroup) {
	thread := h.Wait(ReasonPark, NoResource)
	wg.Wait()
	h.Resume(thread)
}

// Recv receives from ch. A receive that would block is reported as a park.
func Recv[T any](h *Hub, ch <-chan T) (T, bool) {
	select {
	case v, ok := <-ch:
		return v, ok
	default:
	}

	thread := h.Wait(ReasonPark, NoResource)
	v, ok := <-ch
	h.Resume(thread)
	return v, ok
}

// Send sends v on ch. A send that would block is reported as a park.
func Send[T any](h *Hub, ch chan<- T, v T) {
	select {
	case ch <- v:
		return
	default:
	}

	thread := h.Wait(ReasonPark, NoResource)
	ch <- v
	h.Resume(thread)
}

// Reader wraps r so every Read is reported as an io-block wait.
// Short reads fall below MinSpanDuration and never become spans.
func (h *Hub) Reader(r io.Reader) io.Reader {
	return &waitReader{hub: h, r: r, id: h.NewResource()}
}

// Writer wraps w so every Write is reported as an io-block wait.
func (h *Hub) Writer(w io.Writer) io.Writer {
	return &waitWriter{hub: h, w: w, id: h.NewResource()}
}

type waitReader struct {
	hub *Hub
	r   io.Reader
	id  ResourceID
}

func (r *waitReader) Read(p []byte) (int, error) {
	thread := r.hub.Wait(ReasonIOBlock, r.id)
	n, err := r.r.Read(p)
	r.hub.Resume(thread)
	return n, err
}

type waitWriter struct {
	hub *Hub
	w   io.Writer
	id  ResourceID
}

func (w *waitWriter) Write(p []byte) (int, error) {
	thread := w.hub.Wait(ReasonIOBlock, w.id)
	n, err := w.w.Write(p)
	w.hub.Resume(thread)
	return n, err
}
