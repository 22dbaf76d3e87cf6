package waitz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Engine captures goroutine waits and emits them as spans.
// One engine owns one listener, one ring buffer per worker, and the workers.
// Engines are independent; tests may run several side by side.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Engine struct {
	cfg           Config
	clock         clockz.Clock
	anchor        time.Time
	hub           *Hub
	emitter       Emitter
	registry      *ContextRegistry
	livenessSrc   ThreadLiveness
	namer         *frameNamer
	logger        zerolog.Logger
	sampledLogger zerolog.Logger
	listener      *listener
	workers       []*worker
	counters      counters
	liveness      atomic.Pointer[liveSnapshot]
	liveGen       atomic.Uint64
	sweepMu       sync.Mutex
	stop          chan struct{}
	done          chan struct{}
	groupErr      error
	stopOnce      sync.Once
	stopErr       error
}

// Start validates cfg, starts the workers, and registers the listener with
// cfg.Hub. Without cfg.Logger the logger attached to ctx is used.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("%w: an emitter is required", ErrInvalidConfig)
	}

	namer, err := newFrameNamer(cfg.IgnoreFrames)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		clock:       cfg.Clock,
		hub:         cfg.Hub,
		emitter:     cfg.Emitter,
		registry:    cfg.Registry,
		livenessSrc: cfg.Liveness,
		namer:       namer,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = clockz.RealClock
	}
	if e.registry == nil {
		e.registry = NewContextRegistry()
	}
	if e.livenessSrc == nil {
		e.livenessSrc = NewGoroutineLiveness()
	}
	if cfg.Logger != nil {
		e.logger = *cfg.Logger
	} else {
		e.logger = *zerolog.Ctx(ctx)
	}
	e.logger = e.logger.With().Str("component", "waitz").Logger()
	e.sampledLogger = e.logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second})
	e.anchor = e.clock.Now()

	e.workers = make([]*worker, cfg.ConsumerCount)
	for i := range e.workers {
		ring, err := NewRingBuffer(cfg.RingBufferCapacity)
		if err != nil {
			return nil, err
		}
		e.workers[i] = newWorker(e, i, ring)
	}

	e.listener = &listener{
		clock:         e.clock,
		anchor:        e.anchor,
		workers:       e.workers,
		counters:      &e.counters,
		captureStacks: cfg.CaptureStacks,
	}
	e.listener.active.Store(true)

	var g errgroup.Group
	for _, w := range e.workers {
		g.Go(func() error {
			w.run(e.stop)
			return nil
		})
	}
	g.Go(e.janitor)
	go func() {
		e.groupErr = g.Wait()
		close(e.done)
	}()

	// Register last so the runtime never reaches a listener without workers.
	if e.hub != nil {
		if err := e.hub.Register(e.listener); err != nil {
			e.listener.active.Store(false)
			close(e.stop)
			<-e.done
			return nil, err
		}
	}

	e.logger.Info().
		Int("consumers", cfg.ConsumerCount).
		Int("ring_buffer_capacity", cfg.RingBufferCapacity).
		Dur("min_span_duration", cfg.MinSpanDuration).
		Str("idle_wait_strategy", string(cfg.IdleWaitStrategy)).
		Msg("wait span engine started")
	return e, nil
}

// Stop deregisters the listener, lets the workers drain buffered events for
// at most the shutdown grace period, and stops them. Safe to call multiple
// times; later calls return the first result.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.shutdown(ctx)
	})
	return e.stopErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	var result *multierror.Error

	// Deregister before tearing workers down so nothing enqueues into a
	// buffer nobody drains.
	if e.hub != nil {
		if err := e.hub.Deregister(e.listener); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.listener.active.Store(false)
	close(e.stop)

	select {
	case <-e.done:
		if e.groupErr != nil {
			result = multierror.Append(result, e.groupErr)
		}
		e.rejectLeftovers()
	case <-e.clock.After(e.cfg.ShutdownGracePeriod):
		e.logger.Warn().
			Dur("grace_period", e.cfg.ShutdownGracePeriod).
			Msg("workers did not drain in time")
		result = multierror.Append(result, ErrDrainTimeout)
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	s := e.Stats()
	e.logger.Info().
		Uint64("spans_emitted", s.SpansEmitted).
		Uint64("events_dropped", s.EventsDropped).
		Uint64("events_unmatched", s.EventsUnmatched).
		Uint64("emit_failures", s.EmitFailures).
		Msg("wait span engine stopped")
	return result.ErrorOrNil()
}

// rejectLeftovers empties the rings after the workers have exited. A
// producer that passed the active check just before shutdown may publish
// after the final drain; its event is counted as rejected.
func (e *Engine) rejectLeftovers() {
	var ev WaitEvent
	for _, w := range e.workers {
		for w.ring.Poll(&ev) {
			e.counters.eventsRejected.Add(1)
		}
	}
}

// janitor periodically reclaims state of goroutines that exited.
func (e *Engine) janitor() error {
	for {
		select {
		case <-e.stop:
			return nil
		case <-e.clock.After(e.cfg.SweepInterval):
			if err := e.Sweep(); err != nil {
				e.logger.Warn().Err(err).Msg("liveness sweep failed")
			}
		}
	}
}

// Sweep reclaims registry entries and open waits of goroutines that have
// exited. The janitor calls it every SweepInterval.
func (e *Engine) Sweep() error {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	mark := e.registry.beginSweep()
	at := e.listener.now()
	live, err := e.livenessSrc.Snapshot()
	if err != nil {
		return err
	}
	// A goroutine missing from live published all of its events before the
	// snapshot returned, so they all sit below these marks.
	marks := make([]uint64, len(e.workers))
	for i, w := range e.workers {
		marks[i] = w.ring.claimed()
	}
	removed := e.registry.sweepBefore(mark, live)

	e.liveness.Store(&liveSnapshot{live: live, marks: marks, gen: e.liveGen.Add(1), at: at})
	for _, w := range e.workers {
		w.strategy.signal()
	}

	e.logger.Debug().
		Int("live", len(live)).
		Int("reclaimed", removed).
		Msg("liveness sweep")
	return nil
}

// Listener returns the listener for hosts other than Hub.
func (e *Engine) Listener() StateListener {
	return e.listener
}

// Registry returns the context registry used for correlation.
func (e *Engine) Registry() *ContextRegistry {
	return e.registry
}

// RecordContext records sc as the context active on thread.
func (e *Engine) RecordContext(thread ThreadID, sc trace.SpanContext) {
	e.registry.Record(thread, sc)
}

// CurrentContext returns the context last recorded for thread.
func (e *Engine) CurrentContext(thread ThreadID) (trace.SpanContext, bool) {
	return e.registry.Current(thread)
}

// Anchor returns the wall time that event timestamps are relative to.
func (e *Engine) Anchor() time.Time {
	return e.anchor
}
