package waitz

import (
	"bytes"
	"runtime"
	"sync"
)

var goroutinePrefix = []byte("goroutine ")

// CurrentThread returns the id of the calling goroutine.
// It reads the header of a small stack dump ("goroutine 17 [running]:") into
// a fixed buffer, so it does not allocate. Returns 0 if parsing fails.
func CurrentThread() ThreadID {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, _ := parseGoroutineHeader(buf[:n])
	return id
}

// parseGoroutineHeader extracts the id from a "goroutine N [" line.
func parseGoroutineHeader(line []byte) (ThreadID, bool) {
	if !bytes.HasPrefix(line, goroutinePrefix) {
		return 0, false
	}
	var id ThreadID
	digits := 0
	for _, c := range line[len(goroutinePrefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + ThreadID(c-'0')
		digits++
	}
	return id, digits > 0
}

// ThreadSet is a set of live goroutine ids.
type ThreadSet map[ThreadID]struct{}

// Contains reports whether id is in the set.
func (s ThreadSet) Contains(id ThreadID) bool {
	_, ok := s[id]
	return ok
}

// ThreadLiveness reports which goroutines are currently alive.
// The registry and workers use it to reclaim state of finished goroutines.
type ThreadLiveness interface {
	Snapshot() (ThreadSet, error)
}

// ThreadLivenessFunc adapts a function to ThreadLiveness.
type ThreadLivenessFunc func() (ThreadSet, error)

// Snapshot calls f.
func (f ThreadLivenessFunc) Snapshot() (ThreadSet, error) {
	return f()
}

// GoroutineLiveness scans a full goroutine dump for live ids.
// The dump stops the world briefly, so call it at sweep intervals only.
// Safe for concurrent use.
type GoroutineLiveness struct {
	buf []byte
	mu  sync.Mutex
}

// NewGoroutineLiveness creates a liveness source backed by runtime.Stack.
func NewGoroutineLiveness() *GoroutineLiveness {
	return &GoroutineLiveness{buf: make([]byte, 64<<10)}
}

// Snapshot returns the ids of all goroutines alive at the time of the call.
func (g *GoroutineLiveness) Snapshot() (ThreadSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var n int
	for {
		n = runtime.Stack(g.buf, true)
		if n < len(g.buf) {
			break
		}
		// Dump was truncated, retry with a larger buffer.
		g.buf = make([]byte, len(g.buf)*2)
	}

	live := make(ThreadSet, 256)
	dump := g.buf[:n]
	for len(dump) > 0 {
		line := dump
		if idx := bytes.IndexByte(dump, '\n'); idx >= 0 {
			line = dump[:idx]
			dump = dump[idx+1:]
		} else {
			dump = nil
		}
		if id, ok := parseGoroutineHeader(line); ok {
			live[id] = struct{}{}
		}
	}
	return live, nil
}
