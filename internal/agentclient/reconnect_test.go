package agentclient_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/agentclient"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDelaySchedule(t *testing.T) {
	t.Parallel()
	r := agentclient.NewReconnector(agentclient.ReconnectConfig{},
		nil, agentclient.Events{}, nil, clockwork.NewFakeClock(), discardLogger())

	// base 1s, multiplier 2, cap 30s, ±10% jitter, floor 1s.
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, time.Second, 1100 * time.Millisecond},
		{1, 1800 * time.Millisecond, 2200 * time.Millisecond},
		{2, 3600 * time.Millisecond, 4400 * time.Millisecond},
		{3, 7200 * time.Millisecond, 8800 * time.Millisecond},
		{10, 27 * time.Second, 30 * time.Second}, // capped
	}
	for _, tc := range cases {
		for i := 0; i < 100; i++ {
			d := r.Delay(tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}

func TestDelayFloor(t *testing.T) {
	t.Parallel()
	r := agentclient.NewReconnector(agentclient.ReconnectConfig{BaseDelay: 10 * time.Millisecond},
		nil, agentclient.Events{}, nil, clockwork.NewFakeClock(), discardLogger())

	for i := 0; i < 100; i++ {
		if d := r.Delay(0); d < time.Second {
			t.Fatalf("Delay(0) = %v, floor is 1s", d)
		}
	}
}

func TestMaxAttemptsReached(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	failed := make(chan int, 8)
	reached := make(chan int, 1)

	connect := func(context.Context) (agentclient.SessionFunc, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	r := agentclient.NewReconnector(
		agentclient.ReconnectConfig{MaxAttempts: 3},
		connect,
		agentclient.Events{
			AttemptFailed:      func(attempt int, _ error) { failed <- attempt },
			MaxAttemptsReached: func(attempts int) { reached <- attempts },
		},
		nil, clock, discardLogger())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitAttempt := func(want int) {
		t.Helper()
		select {
		case got := <-failed:
			if got != want {
				t.Fatalf("attempt = %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never failed", want)
		}
	}

	waitAttempt(0)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second) // covers Delay(0) ≤ 1.1s
	waitAttempt(1)
	clock.BlockUntil(1)
	clock.Advance(3 * time.Second) // covers Delay(1) ≤ 2.2s
	waitAttempt(2)

	select {
	case n := <-reached:
		if n != 3 {
			t.Fatalf("max attempts = %d, want 3", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("MaxAttemptsReached never fired")
	}

	r.Stop()
	if r.State() != agentclient.StateStopped {
		t.Fatalf("state = %s, want stopped", r.State())
	}
}

func TestSessionEndSchedulesRedial(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	connected := make(chan int, 4)

	session := func(ctx context.Context) error {
		return errors.New("peer reset")
	}
	connect := func(context.Context) (agentclient.SessionFunc, error) {
		return session, nil
	}
	r := agentclient.NewReconnector(
		agentclient.ReconnectConfig{},
		connect,
		agentclient.Events{
			ReconnectionSuccessful: func(attempt int) { connected <- attempt },
		},
		nil, clock, discardLogger())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect never happened")
	}

	// The failed session schedules a redial after the base delay.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)
	select {
	case attempt := <-connected:
		if attempt != 1 {
			t.Fatalf("redial attempt = %d, want 1", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never redialed after session loss")
	}
}

func TestBreakerGatesDialing(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	breaker := agentclient.NewBreaker(agentclient.BreakerConfig{FailureThreshold: 1}, clock)
	breaker.Failure() // circuit starts open

	started := make(chan int, 1)
	connect := func(context.Context) (agentclient.SessionFunc, error) {
		return func(ctx context.Context) error {
			<-ctx.Done()
			return agentclient.ErrStopped
		}, nil
	}
	r := agentclient.NewReconnector(
		agentclient.ReconnectConfig{},
		connect,
		agentclient.Events{AttemptStarted: func(attempt int) { started <- attempt }},
		breaker, clock, discardLogger())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	select {
	case <-started:
		t.Fatal("open circuit must block dial attempts")
	case <-time.After(100 * time.Millisecond):
	}

	// After the recovery timeout the engine's poll lets the probe through.
	clock.BlockUntil(1)
	clock.Advance(31 * time.Second)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("probe attempt never started after recovery timeout")
	}
}
