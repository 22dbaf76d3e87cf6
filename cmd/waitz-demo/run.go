package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/zoobzio/waitz"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// telemetry holds the providers the demo wires waitz into.
type telemetry struct {
	tracer   *sdktrace.TracerProvider
	memory   *tracetest.InMemoryExporter
	meter    *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	registry *waitz.ContextRegistry
}

func newTelemetry(ctx context.Context, endpoint string) (*telemetry, error) {
	t := &telemetry{
		registry: waitz.NewContextRegistry(),
		memory:   tracetest.NewInMemoryExporter(),
		reader:   sdkmetric.NewManualReader(),
	}

	opts := []sdktrace.TracerProviderOption{
		// The tracker goes first so contexts are recorded before any export.
		sdktrace.WithSpanProcessor(waitz.NewContextTracker(t.registry)),
		sdktrace.WithSyncer(t.memory),
	}
	if endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	t.tracer = sdktrace.NewTracerProvider(opts...)
	t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader))
	return t, nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := t.tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracer provider: %w", err))
	}
	if err := t.meter.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("meter provider: %w", err))
	}
	return result.ErrorOrNil()
}

// waitSpans returns the exported spans that came from the engine.
func (t *telemetry) waitSpans() tracetest.SpanStubs {
	var out tracetest.SpanStubs
	for _, s := range t.memory.GetSpans() {
		if s.InstrumentationScope.Name == waitz.ScopeName {
			out = append(out, s)
		}
	}
	return out
}

func run(ctx context.Context, opts options, out io.Writer) (err error) {
	log := zerolog.Ctx(ctx)

	tel, err := newTelemetry(ctx, opts.otlpEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := tel.shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
	}()

	hub := waitz.NewHub()
	cfg := opts.engine
	cfg.Hub = hub
	cfg.Registry = tel.registry
	cfg.Emitter = waitz.NewTracerEmitter(tel.tracer)
	cfg.Logger = log

	engine, err := waitz.Start(ctx, cfg)
	if err != nil {
		return err
	}

	reg, err := engine.RegisterMetrics(tel.meter.Meter(waitz.ScopeName))
	if err != nil {
		_ = engine.Stop(ctx)
		return err
	}
	defer func() { _ = reg.Unregister() }()

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, engine, log)
		defer func() { _ = srv.Close() }()
	}

	log.Info().
		Dur("duration", opts.duration).
		Int("workers", opts.workers).
		Int("consumers", cfg.ConsumerCount).
		Str("idle", string(cfg.IdleWaitStrategy)).
		Msg("running workload")

	w := newWorkload(hub, tel.tracer.Tracer("waitz-demo"), opts.workers)
	requests := w.run(ctx, opts.duration)

	if err := engine.Stop(ctx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	if err := tel.tracer.ForceFlush(ctx); err != nil {
		log.Warn().Err(err).Msg("flush traces")
	}

	var rm metricdata.ResourceMetrics
	if err := tel.reader.Collect(ctx, &rm); err != nil {
		log.Warn().Err(err).Msg("collect metrics")
	}

	return summarize(out, requests, engine.Stats(), tel.waitSpans(), &rm)
}

func serveMetrics(addr string, engine *waitz.Engine, log *zerolog.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(waitz.NewStatsCollector(engine))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving /metrics")
	return srv
}

func summarize(out io.Writer, requests int, stats waitz.Stats, spans tracetest.SpanStubs, rm *metricdata.ResourceMetrics) error {
	byReason := make(map[string]time.Duration)
	byName := make(map[string]int)
	for _, s := range spans {
		for _, kv := range s.Attributes {
			if kv.Key == waitz.AttrWaitReason {
				byReason[kv.Value.AsString()] += s.EndTime.Sub(s.StartTime)
			}
		}
		byName[s.Name]++
	}

	p := &printer{w: out}
	p.printf("requests:        %d\n", requests)
	p.printf("wait spans:      %d\n", len(spans))
	for _, reason := range sortedKeys(byReason) {
		p.printf("  %-14s %s\n", reason, byReason[reason].Round(time.Microsecond))
	}
	p.printf("top waiters:\n")
	names := sortedKeys(byName)
	sort.SliceStable(names, func(i, j int) bool { return byName[names[i]] > byName[names[j]] })
	for i, name := range names {
		if i == 5 {
			break
		}
		p.printf("  %5d  %s\n", byName[name], name)
	}
	p.printf("engine: enqueued=%d dropped=%d unmatched=%d suppressed=%d failed=%d\n",
		stats.EventsEnqueued, stats.EventsDropped, stats.EventsUnmatched, stats.SpansSuppressed, stats.EmitFailures)

	instruments := 0
	for _, sm := range rm.ScopeMetrics {
		instruments += len(sm.Metrics)
	}
	p.printf("otel instruments reported: %d\n", instruments)
	return p.err
}

// printer remembers the first write error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
