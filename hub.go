package waitz

import (
	"sync"
	"sync/atomic"
)

// Hub stands in for the host runtime: instrumented primitives report wait
// transitions to it and it fans them out to registered listeners.
// A nil *Hub is valid and reports nothing.
// Safe for concurrent use by multiple goroutines.
type Hub struct {
	listeners    atomic.Pointer[[]StateListener]
	nextResource atomic.Uint64
	mu           sync.Mutex // Serializes Register and Deregister.
}

// NewHub creates a hub with no listeners.
func NewHub() *Hub {
	return &Hub{}
}

// Register adds l to the notified listeners.
func (h *Hub) Register(l StateListener) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var current []StateListener
	if p := h.listeners.Load(); p != nil {
		current = *p
	}
	for _, existing := range current {
		if existing == l {
			return ErrAlreadyRegistered
		}
	}

	// Copy on write so notifying goroutines never see a partial slice.
	next := make([]StateListener, len(current), len(current)+1)
	copy(next, current)
	next = append(next, l)
	h.listeners.Store(&next)
	return nil
}

// Deregister removes l. Once it returns, no new notification reaches l.
func (h *Hub) Deregister(l StateListener) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.listeners.Load()
	if p == nil {
		return ErrNotRegistered
	}
	current := *p
	for i, existing := range current {
		if existing == l {
			next := make([]StateListener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			h.listeners.Store(&next)
			return nil
		}
	}
	return ErrNotRegistered
}

// Listening reports whether any listener is registered.
func (h *Hub) Listening() bool {
	if h == nil {
		return false
	}
	p := h.listeners.Load()
	return p != nil && len(*p) > 0
}

// NewResource allocates an id for a waitable resource such as a lock.
func (h *Hub) NewResource() ResourceID {
	if h == nil {
		return NoResource
	}
	return h.nextResource.Add(1)
}

// Wait reports that the calling goroutine is about to wait.
// It returns the goroutine id to pass to Resume, or 0 when nobody listens.
func (h *Hub) Wait(reason Reason, resource ResourceID) ThreadID {
	if h == nil {
		return 0
	}
	p := h.listeners.Load()
	if p == nil || len(*p) == 0 {
		return 0
	}

	thread := CurrentThread()
	for _, l := range *p {
		l.OnThreadWait(thread, reason, resource)
	}
	return thread
}

// Resume reports that thread stopped waiting.
func (h *Hub) Resume(thread ThreadID) {
	if h == nil || thread == 0 {
		return
	}
	p := h.listeners.Load()
	if p == nil {
		return
	}
	for _, l := range *p {
		l.OnThreadResume(thread)
	}
}

// Block reports a wait for an arbitrary reason and returns the function that
// ends it.
//
//	done := hub.Block(waitz.ReasonPark, waitz.NoResource)
//	<-ready
//	done()
func (h *Hub) Block(reason Reason, resource ResourceID) func() {
	thread := h.Wait(reason, resource)
	return func() {
		h.Resume(thread)
	}
}
