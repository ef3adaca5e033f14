package agentclient_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/agentclient"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := agentclient.NewBreaker(agentclient.BreakerConfig{}, clock)

	if b.State() != agentclient.BreakerClosed {
		t.Fatalf("initial state = %s, want closed", b.State())
	}

	for i := 0; i < 4; i++ {
		b.Failure()
		if !b.Allow() {
			t.Fatalf("circuit opened after %d failures, threshold is 5", i+1)
		}
	}
	b.Failure()
	if b.Allow() {
		t.Fatal("circuit should be open after 5 consecutive failures")
	}
	if b.State() != agentclient.BreakerOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := agentclient.NewBreaker(agentclient.BreakerConfig{}, clockwork.NewFakeClock())

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	if !b.Allow() {
		t.Fatal("success should have reset the consecutive-failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	b := agentclient.NewBreaker(agentclient.BreakerConfig{}, clock)

	for i := 0; i < 5; i++ {
		b.Failure()
	}
	if b.Allow() {
		t.Fatal("circuit should be open")
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("recovery timeout has not elapsed yet")
	}

	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be allowed after the recovery timeout")
	}
	if b.State() != agentclient.BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}

	// A failed probe re-opens immediately.
	b.Failure()
	if b.Allow() {
		t.Fatal("failed probe should re-open the circuit")
	}

	// A successful probe closes it.
	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be allowed again")
	}
	b.Success()
	if b.State() != agentclient.BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed circuit must allow attempts")
	}
}
