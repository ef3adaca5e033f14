package agentclient

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is the circuit state exposed by [Breaker.State].
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes the connection circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Defaults to 5.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a single
	// probe attempt is allowed. Defaults to 30s.
	RecoveryTimeout time.Duration
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
}

// Breaker is a connection circuit breaker. Consecutive dial failures open
// the circuit; after the recovery timeout one probe is allowed through, and
// its outcome decides whether the circuit closes again or re-opens. Safe for
// concurrent use.
type Breaker struct {
	cfg   BreakerConfig
	clock clockwork.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig, clock clockwork.Clock) *Breaker {
	cfg.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{cfg: cfg, clock: clock, state: BreakerClosed}
}

// Allow reports whether a connection attempt may proceed. While open it
// returns false until the recovery timeout elapses, at which point the
// circuit moves to half-open and exactly the next attempt is the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful connection, closing the circuit and resetting
// the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// Failure records a failed connection attempt. A half-open probe failure
// re-opens the circuit immediately; in the closed state the circuit opens
// once the consecutive-failure threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.clock.Now()
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
