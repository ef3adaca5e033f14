package auth_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
)

type countingCompactor struct {
	calls atomic.Int64
}

func (c *countingCompactor) Compact() int {
	c.calls.Add(1)
	return 1
}

func TestRunCompactionTicks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	first := &countingCompactor{}
	second := &countingCompactor{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		auth.RunCompaction(ctx, clock, logger, time.Minute, first, second)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	waitCalls(t, first, 1)
	waitCalls(t, second, 1)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	waitCalls(t, first, 2)
	waitCalls(t, second, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("compaction loop did not stop on cancel")
	}
}

func waitCalls(t *testing.T, c *countingCompactor, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.calls.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("compactor calls = %d, want %d", c.calls.Load(), want)
}

func TestCompactionReclaimsExpiredAuthState(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	bl := auth.NewBlacklist(clock)
	bl.Revoke("jti-old", clock.Now().Add(time.Minute))

	clock.Advance(2 * time.Minute)
	if dropped := bl.Compact(); dropped != 1 {
		t.Errorf("Blacklist.Compact = %d, want 1", dropped)
	}

	// The three auth components all satisfy the loop's contract.
	var compactors = []auth.Compactor{
		bl,
		auth.NewRateLimiter(auth.RateLimiterConfig{}, clock, nil),
		auth.NewSessionManager(0, bl, clock, nil),
	}
	for _, c := range compactors {
		if dropped := c.Compact(); dropped < 0 {
			t.Errorf("Compact returned negative count %d", dropped)
		}
	}
}
