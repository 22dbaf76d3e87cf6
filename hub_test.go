package waitz

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	thread   ThreadID
	reason   Reason
	resource ResourceID
	enter    bool
}

// recordingListener keeps every notification it receives.
type recordingListener struct {
	mu     sync.Mutex
	events []transition
}

func (r *recordingListener) OnThreadWait(thread ThreadID, reason Reason, resource ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{thread: thread, reason: reason, resource: resource, enter: true})
}

func (r *recordingListener) OnThreadResume(thread ThreadID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{thread: thread})
}

func (r *recordingListener) snapshot() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.events...)
}

func TestHubRegistration(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}

	assert.False(t, hub.Listening())
	assert.ErrorIs(t, hub.Deregister(l), ErrNotRegistered)

	require.NoError(t, hub.Register(l))
	assert.True(t, hub.Listening())
	assert.ErrorIs(t, hub.Register(l), ErrAlreadyRegistered)

	require.NoError(t, hub.Deregister(l))
	assert.False(t, hub.Listening())
	assert.ErrorIs(t, hub.Deregister(l), ErrNotRegistered)
}

func TestHubWithoutListenersIsSilent(t *testing.T) {
	hub := NewHub()
	assert.Equal(t, ThreadID(0), hub.Wait(ReasonPark, NoResource))
	hub.Resume(0)

	var nilHub *Hub
	assert.False(t, nilHub.Listening())
	assert.Equal(t, NoResource, nilHub.NewResource())
	assert.Equal(t, ThreadID(0), nilHub.Wait(ReasonPark, NoResource))
	nilHub.Resume(1)
	nilHub.Block(ReasonSleep, NoResource)()
}

func TestHubFansOutToAllListeners(t *testing.T) {
	hub := NewHub()
	a, b := &recordingListener{}, &recordingListener{}
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))

	done := hub.Block(ReasonIOBlock, 77)
	done()

	for _, l := range []*recordingListener{a, b} {
		events := l.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, CurrentThread(), events[0].thread)
		assert.True(t, events[0].enter)
		assert.Equal(t, ReasonIOBlock, events[0].reason)
		assert.Equal(t, ResourceID(77), events[0].resource)
		assert.False(t, events[1].enter)
		assert.Equal(t, events[0].thread, events[1].thread)
	}
}

func TestHubResourceIDsAreUnique(t *testing.T) {
	hub := NewHub()
	seen := make(map[ResourceID]bool)
	for i := 0; i < 100; i++ {
		id := hub.NewResource()
		assert.NotEqual(t, NoResource, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestMutexReportsOnlyContention(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}
	require.NoError(t, hub.Register(l))

	m := &Mutex{Hub: hub}
	m.Lock()
	m.Unlock()
	assert.Empty(t, l.snapshot(), "uncontended lock reports nothing")

	m.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Lock()
		m.Unlock() //nolint:staticcheck // Empty critical section
	}()
	require.Eventually(t, func() bool { return len(l.snapshot()) == 1 }, time.Second, time.Millisecond)
	m.Unlock()
	<-done

	events := l.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonMonitorBlock, events[0].reason)
	assert.NotEqual(t, NoResource, events[0].resource)
	assert.False(t, events[1].enter)
}

func TestRWMutexReportsWriterWait(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}
	require.NoError(t, hub.Register(l))

	rw := &RWMutex{Hub: hub}
	rw.RLock()
	rw.RLock() // Readers share without waiting.
	assert.Empty(t, l.snapshot())

	done := make(chan struct{})
	go func() {
		defer close(done)
		rw.Lock()
		rw.Unlock()
	}()
	require.Eventually(t, func() bool { return len(l.snapshot()) == 1 }, time.Second, time.Millisecond)
	rw.RUnlock()
	rw.RUnlock()
	<-done

	events := l.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonMonitorBlock, events[0].reason)

	assert.True(t, rw.TryLock())
	assert.False(t, rw.TryRLock())
	rw.Unlock()
}

func TestLockResourceIsStable(t *testing.T) {
	hub := NewHub()
	m := &Mutex{Hub: hub}
	first := lockResource(hub, &m.id)
	assert.Equal(t, first, lockResource(hub, &m.id))

	// Without a hub no id is assigned.
	var unhooked Mutex
	assert.Equal(t, NoResource, lockResource(nil, &unhooked.id))
}

func TestZeroMutexWorksWithoutHub(t *testing.T) {
	var m Mutex
	m.Lock()
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestChannelHelpers(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}
	require.NoError(t, hub.Register(l))

	ch := make(chan int, 1)
	Send(hub, ch, 1)
	v, ok := Recv(hub, ch)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Empty(t, l.snapshot(), "ready channels report nothing")

	unbuffered := make(chan int)
	go func() {
		time.Sleep(10 * time.Millisecond)
		unbuffered <- 42
	}()
	v, ok = Recv(hub, unbuffered)
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	events := l.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, ReasonPark, events[0].reason)
}

func TestSleepAndWaitGroup(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}
	require.NoError(t, hub.Register(l))

	hub.Sleep(time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go wg.Done()
	hub.WaitGroup(&wg)

	events := l.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, ReasonSleep, events[0].reason)
	assert.Equal(t, ReasonPark, events[2].reason)
}

func TestReaderWriterReportIOBlock(t *testing.T) {
	hub := NewHub()
	l := &recordingListener{}
	require.NoError(t, hub.Register(l))

	r := hub.Reader(strings.NewReader("payload"))
	var out bytes.Buffer
	w := hub.Writer(&out)

	n, err := io.Copy(w, r)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", out.String())

	events := l.snapshot()
	require.NotEmpty(t, events)
	for _, ev := range events {
		if ev.enter {
			assert.Equal(t, ReasonIOBlock, ev.reason)
			assert.NotEqual(t, NoResource, ev.resource)
		}
	}
}
