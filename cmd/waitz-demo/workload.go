package main

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/waitz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// workload is a small request handler that waits in every way the hub can
// report: a hot lock, a sleep, a bounded queue, and a slow upstream.
type workload struct {
	hub      *waitz.Hub
	tracer   trace.Tracer
	cacheMu  waitz.Mutex
	cache    map[int]int
	audit    chan int
	workers  int
	requests atomic.Int64
}

func newWorkload(hub *waitz.Hub, tracer trace.Tracer, workers int) *workload {
	return &workload{
		hub:     hub,
		tracer:  tracer,
		cacheMu: waitz.Mutex{Hub: hub},
		cache:   make(map[int]int),
		audit:   make(chan int, 1),
		workers: workers,
	}
}

// run drives the handlers until d elapses or ctx is done and returns the
// number of requests served.
func (w *workload) run(ctx context.Context, d time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	auditDone := make(chan struct{})
	go w.drainAudit(auditDone)

	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.worker(ctx, id)
		}(i)
	}
	w.hub.WaitGroup(&wg)
	close(w.audit)
	<-auditDone
	return int(w.requests.Load())
}

func (w *workload) worker(ctx context.Context, id int) {
	upstream, feed := io.Pipe()
	defer upstream.Close()
	go feedUpstream(ctx, feed)

	body := w.hub.Reader(upstream)
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		if err := w.handle(ctx, id, body, buf); err != nil {
			return
		}
	}
}

// handle serves one request under its own span.
func (w *workload) handle(ctx context.Context, worker int, body io.Reader, buf []byte) error {
	_, span := w.tracer.Start(ctx, "handle-request",
		trace.WithAttributes(attribute.Int("worker.id", worker)))
	defer span.End()

	key := rand.IntN(16)
	w.lookup(key)

	// Pretend to compute.
	w.hub.Sleep(time.Duration(rand.IntN(3)+1) * time.Millisecond)

	if _, err := body.Read(buf); err != nil {
		return err
	}

	waitz.Send(w.hub, w.audit, key)
	w.requests.Add(1)
	return nil
}

// lookup holds the cache lock while it refreshes, which is the contention.
func (w *workload) lookup(key int) int {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	time.Sleep(500 * time.Microsecond)
	w.cache[key]++
	return w.cache[key]
}

// drainAudit is a slow consumer behind a one-slot queue.
func (w *workload) drainAudit(done chan<- struct{}) {
	defer close(done)
	for {
		if _, ok := waitz.Recv(w.hub, w.audit); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// feedUpstream writes a response chunk every few milliseconds.
func feedUpstream(ctx context.Context, pw *io.PipeWriter) {
	ticker := time.NewTicker(3 * time.Millisecond)
	defer ticker.Stop()
	chunk := []byte("response-chunk")
	for {
		select {
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
			return
		case <-ticker.C:
			if _, err := pw.Write(chunk); err != nil {
				return
			}
		}
	}
}
