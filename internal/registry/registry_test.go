package registry_test

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

// fakeSocket records Close calls so eviction behaviour can be asserted.
type fakeSocket struct {
	closed    bool
	closeCode int
	frames    [][]byte
}

func (s *fakeSocket) Enqueue(frame []byte) bool {
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSocket) Close(code int, _ string) {
	s.closed = true
	s.closeCode = code
}

func newTestRegistry(maxConns int) *registry.Registry {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return registry.New(logger, maxConns)
}

func TestAddAndLookup(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(0)

	d1, err := r.AddDashboard("conn-1", "user-a", &fakeSocket{})
	if err != nil {
		t.Fatalf("AddDashboard: %v", err)
	}
	if _, err := r.AddDashboard("conn-2", "user-a", &fakeSocket{}); err != nil {
		t.Fatalf("AddDashboard: %v", err)
	}
	a1, _, err := r.AddAgent("conn-3", "agent-x", &fakeSocket{})
	if err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	if got := r.Get("conn-1"); got != d1 {
		t.Error("Get(conn-1) did not return the dashboard connection")
	}
	if got := r.GetAgent("agent-x"); got != a1 {
		t.Error("GetAgent(agent-x) did not return the agent connection")
	}
	if got := len(r.GetDashboardsForUser("user-a")); got != 2 {
		t.Errorf("dashboards for user-a = %d, want 2", got)
	}

	s := r.Stats()
	if s.Total != 3 || s.Dashboards != 2 || s.Agents != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

// TestAgentEviction verifies that a second connect for the same agent evicts
// the prior socket with close code 1008 and that the index points at the new
// connection.
func TestAgentEviction(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(0)

	old := &fakeSocket{}
	if _, _, err := r.AddAgent("conn-1", "agent-x", old); err != nil {
		t.Fatal(err)
	}
	c2, evicted, err := r.AddAgent("conn-2", "agent-x", &fakeSocket{})
	if err != nil {
		t.Fatal(err)
	}

	if evicted != "conn-1" {
		t.Errorf("evicted id = %q, want conn-1", evicted)
	}
	if !old.closed || old.closeCode != 1008 {
		t.Errorf("old socket not closed with 1008: %+v", old)
	}
	if got := r.GetAgent("agent-x"); got != c2 {
		t.Error("agent index does not point at the replacement connection")
	}
	if r.Get("conn-1") != nil {
		t.Error("evicted connection still resolvable by id")
	}
}

// TestRemoveIdempotent verifies removal is idempotent and clears every index.
func TestRemoveIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(0)

	if _, err := r.AddDashboard("conn-1", "user-a", &fakeSocket{}); err != nil {
		t.Fatal(err)
	}

	if got := r.Remove("conn-1"); got == nil {
		t.Fatal("first Remove returned nil")
	}
	if got := r.Remove("conn-1"); got != nil {
		t.Error("second Remove returned a connection")
	}
	if got := len(r.GetDashboardsForUser("user-a")); got != 0 {
		t.Errorf("user index not cleared: %d entries", got)
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(2)

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("conn-%d", i)
		if _, err := r.AddDashboard(id, "user-a", &fakeSocket{}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := r.AddDashboard("conn-over", "user-b", &fakeSocket{}); !errors.Is(err, registry.ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}

	// Reconnecting agents do not consume extra slots: eviction frees one.
	if _, _, err := r.AddAgent("conn-a", "agent-x", &fakeSocket{}); !errors.Is(err, registry.ErrCapacity) {
		t.Errorf("expected ErrCapacity for agent at cap, got %v", err)
	}

	r.Remove("conn-0")
	if _, _, err := r.AddAgent("conn-a", "agent-x", &fakeSocket{}); err != nil {
		t.Errorf("AddAgent after free: %v", err)
	}
	if _, _, err := r.AddAgent("conn-b", "agent-x", &fakeSocket{}); err != nil {
		t.Errorf("same-agent reconnect at cap should evict, got %v", err)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(0)

	socks := []*fakeSocket{{}, {}}
	if _, err := r.AddDashboard("conn-1", "user-a", socks[0]); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.AddAgent("conn-2", "agent-x", socks[1]); err != nil {
		t.Fatal(err)
	}

	r.CloseAll(1000, "shutdown")

	for i, s := range socks {
		if !s.closed || s.closeCode != 1000 {
			t.Errorf("socket %d not closed with 1000: %+v", i, s)
		}
	}
	if s := r.Stats(); s.Total != 0 {
		t.Errorf("registry not empty after CloseAll: %+v", s)
	}
}
