package waitz

import "errors"

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("waitz: invalid config")

	// ErrAlreadyRegistered is returned when a listener is registered twice.
	ErrAlreadyRegistered = errors.New("waitz: listener already registered")

	// ErrNotRegistered is returned when removing a listener that was never added.
	ErrNotRegistered = errors.New("waitz: listener not registered")

	// ErrCollectorFull is returned by Collector.Emit when its buffer is full.
	ErrCollectorFull = errors.New("waitz: collector buffer full")

	// ErrCollectorClosed is returned by Collector.Emit after Close.
	ErrCollectorClosed = errors.New("waitz: collector closed")

	// ErrDrainTimeout is returned by Engine.Stop when workers did not finish
	// draining within the grace period.
	ErrDrainTimeout = errors.New("waitz: drain timed out")

	// ErrEmitPanic wraps a panic recovered from an Emitter.
	ErrEmitPanic = errors.New("waitz: emitter panicked")
)
