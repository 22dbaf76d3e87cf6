package waitz

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
)

// counters are the engine's self-diagnosis counters.
// Shared by the listener and all workers.
type counters struct {
	eventsEnqueued   atomic.Uint64
	eventsRejected   atomic.Uint64
	listenerFaults   atomic.Uint64
	eventsUnmatched  atomic.Uint64
	doubleEnters     atomic.Uint64
	spansEmitted     atomic.Uint64
	spansSuppressed  atomic.Uint64
	spansOrphaned    atomic.Uint64
	spansUnsampled   atomic.Uint64
	emitFailures     atomic.Uint64
	pendingDiscarded atomic.Uint64
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	// EventsEnqueued counts events accepted by the ring buffers.
	EventsEnqueued uint64
	// EventsDropped counts events lost because a ring buffer was full.
	EventsDropped uint64
	// EventsRejected counts events that arrived after the listener stopped.
	EventsRejected uint64
	// ListenerFaults counts panics recovered inside the listener.
	ListenerFaults uint64
	// EventsUnmatched counts exit events without a pending enter.
	EventsUnmatched uint64
	// DoubleEnters counts enter events that replaced a pending wait.
	DoubleEnters uint64
	// SpansEmitted counts spans accepted by the emitter.
	SpansEmitted uint64
	// SpansSuppressed counts waits shorter than MinSpanDuration.
	SpansSuppressed uint64
	// SpansOrphaned counts waits dropped for lack of a parent context.
	SpansOrphaned uint64
	// SpansUnsampled counts waits dropped because the parent was not sampled.
	SpansUnsampled uint64
	// EmitFailures counts emitter errors and panics.
	EmitFailures uint64
	// PendingDiscarded counts open waits of goroutines that exited.
	PendingDiscarded uint64
	// RegistryReclaimed counts registry entries removed by sweeps.
	RegistryReclaimed uint64
	// RegistrySize is the number of goroutines with a recorded context.
	RegistrySize int
	// Buffered is the number of events waiting in ring buffers.
	Buffered int
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		EventsEnqueued:    e.counters.eventsEnqueued.Load(),
		EventsRejected:    e.counters.eventsRejected.Load(),
		ListenerFaults:    e.counters.listenerFaults.Load(),
		EventsUnmatched:   e.counters.eventsUnmatched.Load(),
		DoubleEnters:      e.counters.doubleEnters.Load(),
		SpansEmitted:      e.counters.spansEmitted.Load(),
		SpansSuppressed:   e.counters.spansSuppressed.Load(),
		SpansOrphaned:     e.counters.spansOrphaned.Load(),
		SpansUnsampled:    e.counters.spansUnsampled.Load(),
		EmitFailures:      e.counters.emitFailures.Load(),
		PendingDiscarded:  e.counters.pendingDiscarded.Load(),
		RegistryReclaimed: e.registry.Reclaimed(),
		RegistrySize:      e.registry.Len(),
	}
	for _, w := range e.workers {
		s.EventsDropped += w.ring.Overflow()
		s.Buffered += w.ring.Len()
	}
	return s
}

// statDef binds an exported metric name to a Stats field.
type statDef struct {
	name  string
	help  string
	unit  string
	value func(Stats) uint64
}

var statDefs = []statDef{
	{"events.enqueued", "Wait events accepted by the ring buffers.", "{event}", func(s Stats) uint64 { return s.EventsEnqueued }},
	{"events.dropped", "Wait events dropped because a ring buffer was full.", "{event}", func(s Stats) uint64 { return s.EventsDropped }},
	{"events.rejected", "Wait events received after the listener stopped.", "{event}", func(s Stats) uint64 { return s.EventsRejected }},
	{"events.unmatched", "Exit events without a matching enter.", "{event}", func(s Stats) uint64 { return s.EventsUnmatched }},
	{"listener.faults", "Panics recovered in the listener.", "{fault}", func(s Stats) uint64 { return s.ListenerFaults }},
	{"anomalies.double_enter", "Enter events that replaced a pending wait.", "{event}", func(s Stats) uint64 { return s.DoubleEnters }},
	{"spans.emitted", "Wait spans handed to the emitter.", "{span}", func(s Stats) uint64 { return s.SpansEmitted }},
	{"spans.suppressed", "Wait spans below the minimum duration.", "{span}", func(s Stats) uint64 { return s.SpansSuppressed }},
	{"spans.orphaned", "Wait spans dropped for lack of a parent context.", "{span}", func(s Stats) uint64 { return s.SpansOrphaned }},
	{"spans.unsampled", "Wait spans dropped because the parent was not sampled.", "{span}", func(s Stats) uint64 { return s.SpansUnsampled }},
	{"emit.failures", "Emitter errors and panics.", "{failure}", func(s Stats) uint64 { return s.EmitFailures }},
	{"pending.discarded", "Open waits of goroutines that exited.", "{wait}", func(s Stats) uint64 { return s.PendingDiscarded }},
	{"registry.reclaimed", "Registry entries removed by sweeps.", "{entry}", func(s Stats) uint64 { return s.RegistryReclaimed }},
}

// RegisterMetrics exposes the engine counters as OpenTelemetry observable
// counters on meter. Unregister the returned registration before Stop.
func (e *Engine) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	instruments := make([]metric.Int64ObservableCounter, len(statDefs))
	observables := make([]metric.Observable, len(statDefs))
	for i, def := range statDefs {
		c, err := meter.Int64ObservableCounter("waitz."+def.name,
			metric.WithDescription(def.help),
			metric.WithUnit(def.unit))
		if err != nil {
			return nil, err
		}
		instruments[i] = c
		observables[i] = c
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := e.Stats()
		for i, def := range statDefs {
			o.ObserveInt64(instruments[i], int64(def.value(s)))
		}
		return nil
	}, observables...)
}

// StatsCollector exports engine counters to Prometheus.
type StatsCollector struct {
	engine *Engine
	descs  []*prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a Prometheus collector for engine.
func NewStatsCollector(engine *Engine) *StatsCollector {
	descs := make([]*prometheus.Desc, len(statDefs))
	for i, def := range statDefs {
		descs[i] = prometheus.NewDesc(prometheusName(def.name), def.help, nil, nil)
	}
	return &StatsCollector{engine: engine, descs: descs}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	for i, def := range statDefs {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue, float64(def.value(s)))
	}
}

// prometheusName turns "spans.emitted" into "waitz_spans_emitted_total".
func prometheusName(name string) string {
	out := []byte("waitz_")
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, name[i])
	}
	return string(out) + "_total"
}
