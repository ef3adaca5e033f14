package liveness_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/liveness"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

type fakeSocket struct {
	mu     sync.Mutex
	closed bool
	code   int
}

func (s *fakeSocket) Enqueue([]byte) bool { return true }

func (s *fakeSocket) Close(code int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
}

type fakeStore struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (s *fakeStore) UpdateAgentStatus(_ context.Context, agentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]string)
	}
	s.statuses[agentID] = status
	return nil
}

type fakeHandler struct {
	mu           sync.Mutex
	disconnected []string
}

func (h *fakeHandler) AgentDisconnected(_ context.Context, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, agentID)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (n *fakeNotifier) Publish(ev broadcast.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return 1
}

func TestSweepExpiresSilentAgent(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := clockwork.NewFakeClock()
	reg := registry.New(logger, 0)
	store := &fakeStore{}
	handler := &fakeHandler{}
	notifier := &fakeNotifier{}

	m := liveness.New(liveness.Config{Interval: 30 * time.Second, Timeout: 90 * time.Second},
		reg, store, handler, notifier, clock, logger)

	silent := &fakeSocket{}
	healthy := &fakeSocket{}
	if _, _, err := reg.AddAgent("conn-1", "agent-silent", silent); err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.AddAgent("conn-2", "agent-healthy", healthy); err != nil {
		t.Fatal(err)
	}
	m.Beat("agent-silent")
	m.Beat("agent-healthy")

	// One minute in: both within the timeout, the healthy one beats again.
	clock.Advance(60 * time.Second)
	m.Beat("agent-healthy")
	m.Sweep(context.Background())
	if silent.closed || healthy.closed {
		t.Fatal("no agent should be expired inside the timeout")
	}

	// 95s since the silent agent's last beat.
	clock.Advance(35 * time.Second)
	m.Sweep(context.Background())

	if !silent.closed {
		t.Error("silent agent socket not closed")
	}
	if silent.code != 1000 {
		t.Errorf("close code = %d, want 1000", silent.code)
	}
	if healthy.closed {
		t.Error("healthy agent was expired")
	}
	if got := store.statuses["agent-silent"]; got != "offline" {
		t.Errorf("store status = %q, want offline", got)
	}
	if len(handler.disconnected) != 1 || handler.disconnected[0] != "agent-silent" {
		t.Errorf("handler calls = %v", handler.disconnected)
	}
	if reg.GetAgent("agent-silent") != nil {
		t.Error("expired agent still registered")
	}

	// Exactly one AGENT_STATUS offline broadcast.
	if len(notifier.events) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(notifier.events))
	}
	var p protocol.AgentStatusPayload
	if err := protocol.DecodePayload(notifier.events[0].Envelope, &p); err != nil {
		t.Fatal(err)
	}
	if p.AgentID != "agent-silent" || p.Status != "offline" {
		t.Errorf("payload = %+v", p)
	}

	// Expiry is one-shot: a second sweep must not fire again. The healthy
	// agent keeps beating so only the already-expired one is in play.
	clock.Advance(time.Minute)
	m.Beat("agent-healthy")
	m.Sweep(context.Background())
	if len(handler.disconnected) != 1 {
		t.Errorf("expiry fired twice: %v", handler.disconnected)
	}
}

func TestForgetStopsTracking(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clock := clockwork.NewFakeClock()
	reg := registry.New(logger, 0)
	handler := &fakeHandler{}

	m := liveness.New(liveness.Config{}, reg, nil, handler, nil, clock, logger)
	m.Beat("agent-x")
	m.Forget("agent-x")

	clock.Advance(10 * time.Minute)
	m.Sweep(context.Background())
	if len(handler.disconnected) != 0 {
		t.Errorf("forgotten agent expired: %v", handler.disconnected)
	}
}
