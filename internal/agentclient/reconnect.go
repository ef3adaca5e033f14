// Package agentclient implements the agent side of the control-plane
// connection: a reconnection engine with exponential backoff and jitter, a
// circuit breaker guarding dial attempts, and the WebSocket client loop that
// executes commands and streams their output back.
package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the reconnection engine state exposed by [Reconnector.State].
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateStopped    State = "stopped"
)

// ErrStopped is returned by session funcs that exited because of Stop.
var ErrStopped = errors.New("agentclient: stopped")

// ReconnectConfig tunes the backoff schedule.
type ReconnectConfig struct {
	// BaseDelay is the wait after the first failure. Defaults to 1s, which
	// is also the floor for every computed delay.
	BaseDelay time.Duration

	// Multiplier grows the delay per consecutive failure. Defaults to 2.
	Multiplier float64

	// MaxDelay caps the computed delay. Defaults to 30s.
	MaxDelay time.Duration

	// MaxAttempts stops the engine after this many consecutive failures.
	// Zero means retry forever.
	MaxAttempts int
}

func (c *ReconnectConfig) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Events carries optional callbacks fired by the reconnection engine. Nil
// funcs are skipped. Callbacks run on the engine goroutine and must not block.
type Events struct {
	AttemptScheduled       func(attempt int, delay time.Duration)
	AttemptStarted         func(attempt int)
	AttemptFailed          func(attempt int, err error)
	ReconnectionSuccessful func(attempt int)
	MaxAttemptsReached     func(attempts int)
}

// SessionFunc runs an established connection until it ends. It should return
// nil or [ErrStopped] for a clean shutdown; any other error (or nil after a
// server-side close) triggers a reconnect.
type SessionFunc func(ctx context.Context) error

// ConnectFunc dials and completes the handshake, returning the session to
// run. Errors count as failed attempts against the backoff schedule and the
// circuit breaker.
type ConnectFunc func(ctx context.Context) (SessionFunc, error)

// Reconnector drives ConnectFunc with exponential backoff, jitter, and an
// optional circuit breaker. A successful connect resets the attempt counter;
// a session ending for any reason other than Stop schedules a fresh connect.
type Reconnector struct {
	cfg     ReconnectConfig
	connect ConnectFunc
	events  Events
	breaker *Breaker // may be nil
	clock   clockwork.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	started    bool
	cancelSess context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconnector creates a Reconnector. breaker may be nil to disable the
// circuit breaker.
func NewReconnector(cfg ReconnectConfig, connect ConnectFunc, events Events,
	breaker *Breaker, clock clockwork.Clock, logger *slog.Logger) *Reconnector {
	cfg.defaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		cfg:     cfg,
		connect: connect,
		events:  events,
		breaker: breaker,
		clock:   clock,
		logger:  logger,
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the engine in a background goroutine. It returns an error
// when called twice.
func (r *Reconnector) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("agentclient: reconnector already started")
	}
	r.started = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop signals the engine to exit and blocks until it has. Safe to call more
// than once.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.mu.Lock()
		if r.cancelSess != nil {
			r.cancelSess()
		}
		r.mu.Unlock()
	})
	<-r.done
}

// ForceReconnect tears down the current session, if any. The engine dials
// again after the base delay with a fresh backoff schedule.
func (r *Reconnector) ForceReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelSess != nil {
		r.cancelSess()
	}
}

// State returns the engine state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Delay returns the backoff before attempt n (0-based): base·multiplier^n
// with ±10% uniform jitter, capped at MaxDelay and floored at 1s.
func (r *Reconnector) Delay(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	jitter := 0.9 + rand.Float64()*0.2 // [0.9, 1.1)
	out := time.Duration(d * jitter)
	if out < time.Second {
		out = time.Second
	}
	if out > r.cfg.MaxDelay {
		out = r.cfg.MaxDelay
	}
	return out
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconnector) run(ctx context.Context) {
	defer close(r.done)
	defer r.setState(StateStopped)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		if attempt > 0 {
			delay := r.Delay(attempt - 1)
			if r.events.AttemptScheduled != nil {
				r.events.AttemptScheduled(attempt, delay)
			}
			select {
			case <-r.clock.After(delay):
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}

		// Wait out an open circuit before dialing.
		if r.breaker != nil && !r.breaker.Allow() {
			select {
			case <-r.clock.After(time.Second):
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
			continue
		}

		r.setState(StateConnecting)
		if r.events.AttemptStarted != nil {
			r.events.AttemptStarted(attempt)
		}

		session, err := r.connect(ctx)
		if err != nil {
			if r.breaker != nil {
				r.breaker.Failure()
			}
			if r.events.AttemptFailed != nil {
				r.events.AttemptFailed(attempt, err)
			}
			r.logger.Warn("agentclient: connect failed",
				slog.Int("attempt", attempt), slog.Any("error", err))

			attempt++
			if r.cfg.MaxAttempts > 0 && attempt >= r.cfg.MaxAttempts {
				if r.events.MaxAttemptsReached != nil {
					r.events.MaxAttemptsReached(attempt)
				}
				r.logger.Error("agentclient: giving up",
					slog.Int("attempts", attempt))
				return
			}
			continue
		}

		if r.breaker != nil {
			r.breaker.Success()
		}
		if r.events.ReconnectionSuccessful != nil {
			r.events.ReconnectionSuccessful(attempt)
		}
		attempt = 0
		r.setState(StateConnected)

		sessCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.cancelSess = cancel
		r.mu.Unlock()

		err = session(sessCtx)
		cancel()
		r.mu.Lock()
		r.cancelSess = nil
		r.mu.Unlock()

		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if errors.Is(err, ErrStopped) {
			return
		}
		if err != nil {
			r.logger.Warn("agentclient: session ended", slog.Any("error", err))
		}
		// Schedule the next dial with fresh backoff.
		attempt = 1
	}
}
