package waitz

import (
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// spinRounds is how many times the spin strategy yields before sleeping.
const spinRounds = 64

// waitStrategy is how a worker idles while its ring buffer is empty.
type waitStrategy interface {
	// idle waits for new events. Returns false once stop is closed.
	idle(stop <-chan struct{}) bool
	// signal is called by producers after publishing. Must not block.
	signal()
	// reset is called after the worker found events again.
	reset()
}

func newWaitStrategy(cfg *Config) waitStrategy {
	if cfg.IdleWaitStrategy == IdleSpin {
		return newSpinStrategy(cfg.SpinMinBackoff, cfg.SpinMaxBackoff)
	}
	return newBlockStrategy()
}

// spinStrategy yields a few rounds, then sleeps with exponential back-off.
// Only the owning worker touches it, except signal which is a no-op.
type spinStrategy struct {
	backoff *backoff.ExponentialBackOff
	rounds  int
}

func newSpinStrategy(minWait, maxWait time.Duration) *spinStrategy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minWait
	b.MaxInterval = maxWait
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &spinStrategy{backoff: b}
}

func (s *spinStrategy) idle(stop <-chan struct{}) bool {
	if s.rounds < spinRounds {
		s.rounds++
		runtime.Gosched()
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(s.backoff.NextBackOff())
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func (*spinStrategy) signal() {}

func (s *spinStrategy) reset() {
	s.rounds = 0
	s.backoff.Reset()
}

// blockStrategy parks the worker on a wake channel.
// The channel holds one token, so a signal sent between the worker's last
// empty poll and its park is not lost.
type blockStrategy struct {
	wake chan struct{}
}

func newBlockStrategy() *blockStrategy {
	return &blockStrategy{wake: make(chan struct{}, 1)}
}

func (b *blockStrategy) idle(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	case <-b.wake:
		return true
	}
}

func (b *blockStrategy) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (*blockStrategy) reset() {}
