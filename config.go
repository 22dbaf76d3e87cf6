package waitz

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/zoobzio/clockz"
)

// IdleWaitStrategy selects how workers wait for new events.
type IdleWaitStrategy string

const (
	// IdleSpin yields, then sleeps with exponential back-off. Lower wake
	// latency, some idle CPU.
	IdleSpin IdleWaitStrategy = "spin"
	// IdleBlock parks the worker until a producer signals it. No idle CPU.
	IdleBlock IdleWaitStrategy = "block"
)

// OrphanPolicy decides what happens to waits with no known trace context.
type OrphanPolicy string

const (
	// OrphanSuppress drops waits without a parent context.
	OrphanSuppress OrphanPolicy = "suppress"
	// OrphanRoot emits waits without a parent context as root spans.
	OrphanRoot OrphanPolicy = "root"
)

// Config controls an Engine.
//
//nolint:govet // Field order groups options by concern
type Config struct {
	// RingBufferCapacity is the per-worker queue size. Must be a power of two.
	RingBufferCapacity int
	// MinSpanDuration suppresses waits strictly shorter than this.
	MinSpanDuration time.Duration
	// ConsumerCount is the number of workers. Each goroutine is pinned to one.
	ConsumerCount int
	// IdleWaitStrategy is how idle workers wait for events.
	IdleWaitStrategy IdleWaitStrategy
	// OrphanPolicy applies to waits with no recorded context.
	OrphanPolicy OrphanPolicy
	// RequireSampled drops waits whose parent context is not sampled.
	RequireSampled bool
	// CaptureStacks records caller frames on enter to name spans.
	CaptureStacks bool
	// IgnoreFrames are extra regular expressions of function names to skip
	// when naming spans.
	IgnoreFrames []string
	// BatchSize is the number of events a worker drains per pass.
	BatchSize int
	// SweepInterval is how often state of finished goroutines is reclaimed.
	SweepInterval time.Duration
	// ShutdownGracePeriod bounds how long Stop waits for workers to drain.
	ShutdownGracePeriod time.Duration
	// SpinMinBackoff and SpinMaxBackoff bound the sleep of the spin strategy.
	SpinMinBackoff time.Duration
	SpinMaxBackoff time.Duration

	// Hub is the host the listener registers with. Optional: without it the
	// listener is only reachable through Engine.Listener.
	Hub *Hub
	// Emitter receives completed wait spans. Required.
	Emitter Emitter
	// Registry is shared with the tracing integration. Created when nil.
	Registry *ContextRegistry
	// Liveness reports live goroutines. Defaults to GoroutineLiveness.
	Liveness ThreadLiveness
	// Clock is the time source. Defaults to clockz.RealClock.
	Clock clockz.Clock
	// Logger receives engine diagnostics. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default settings without collaborators.
func DefaultConfig() Config {
	return Config{
		RingBufferCapacity:  1024,
		MinSpanDuration:     time.Millisecond,
		ConsumerCount:       1,
		IdleWaitStrategy:    IdleBlock,
		OrphanPolicy:        OrphanSuppress,
		RequireSampled:      true,
		CaptureStacks:       true,
		BatchSize:           64,
		SweepInterval:       10 * time.Second,
		ShutdownGracePeriod: time.Second,
		SpinMinBackoff:      time.Microsecond,
		SpinMaxBackoff:      time.Millisecond,
	}
}

// Validate checks option values. Collaborators are checked by Start.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.RingBufferCapacity) || c.RingBufferCapacity < 2 {
		return fmt.Errorf("%w: ring buffer capacity %d is not a power of two >= 2", ErrInvalidConfig, c.RingBufferCapacity)
	}
	if c.MinSpanDuration < 0 {
		return fmt.Errorf("%w: negative minimum span duration %s", ErrInvalidConfig, c.MinSpanDuration)
	}
	if c.ConsumerCount <= 0 {
		return fmt.Errorf("%w: consumer count must be > 0", ErrInvalidConfig)
	}
	switch c.IdleWaitStrategy {
	case IdleSpin, IdleBlock:
	default:
		return fmt.Errorf("%w: unknown idle wait strategy %q", ErrInvalidConfig, c.IdleWaitStrategy)
	}
	switch c.OrphanPolicy {
	case OrphanSuppress, OrphanRoot:
	default:
		return fmt.Errorf("%w: unknown orphan policy %q", ErrInvalidConfig, c.OrphanPolicy)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be > 0", ErrInvalidConfig)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be > 0", ErrInvalidConfig)
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("%w: shutdown grace period must be > 0", ErrInvalidConfig)
	}
	if c.SpinMinBackoff <= 0 || c.SpinMaxBackoff < c.SpinMinBackoff {
		return fmt.Errorf("%w: spin back-off bounds %s..%s", ErrInvalidConfig, c.SpinMinBackoff, c.SpinMaxBackoff)
	}
	return nil
}

// Configuration keys understood by LoadConfig.
const (
	KeyRingBufferCapacity  = "ring_buffer_capacity"
	KeyMinSpanDuration     = "min_span_duration"
	KeyConsumerCount       = "consumer_count"
	KeyIdleWaitStrategy    = "idle_wait_strategy"
	KeyOrphanPolicy        = "orphan_policy"
	KeyRequireSampled      = "require_sampled"
	KeyCaptureStacks       = "capture_stacks"
	KeyIgnoreFrames        = "ignore_frames"
	KeyBatchSize           = "batch_size"
	KeySweepInterval       = "sweep_interval"
	KeyShutdownGracePeriod = "shutdown_grace_period"
)

// SetDefaults registers DefaultConfig values on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyRingBufferCapacity, d.RingBufferCapacity)
	v.SetDefault(KeyMinSpanDuration, d.MinSpanDuration)
	v.SetDefault(KeyConsumerCount, d.ConsumerCount)
	v.SetDefault(KeyIdleWaitStrategy, string(d.IdleWaitStrategy))
	v.SetDefault(KeyOrphanPolicy, string(d.OrphanPolicy))
	v.SetDefault(KeyRequireSampled, d.RequireSampled)
	v.SetDefault(KeyCaptureStacks, d.CaptureStacks)
	v.SetDefault(KeyIgnoreFrames, []string{})
	v.SetDefault(KeyBatchSize, d.BatchSize)
	v.SetDefault(KeySweepInterval, d.SweepInterval)
	v.SetDefault(KeyShutdownGracePeriod, d.ShutdownGracePeriod)
}

// LoadConfig reads engine options from v on top of DefaultConfig and
// validates them. Collaborators are left unset.
func LoadConfig(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	cfg := DefaultConfig()
	cfg.RingBufferCapacity = v.GetInt(KeyRingBufferCapacity)
	cfg.MinSpanDuration = v.GetDuration(KeyMinSpanDuration)
	cfg.ConsumerCount = v.GetInt(KeyConsumerCount)
	cfg.IdleWaitStrategy = IdleWaitStrategy(v.GetString(KeyIdleWaitStrategy))
	cfg.OrphanPolicy = OrphanPolicy(v.GetString(KeyOrphanPolicy))
	cfg.RequireSampled = v.GetBool(KeyRequireSampled)
	cfg.CaptureStacks = v.GetBool(KeyCaptureStacks)
	cfg.IgnoreFrames = v.GetStringSlice(KeyIgnoreFrames)
	cfg.BatchSize = v.GetInt(KeyBatchSize)
	cfg.SweepInterval = v.GetDuration(KeySweepInterval)
	cfg.ShutdownGracePeriod = v.GetDuration(KeyShutdownGracePeriod)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
