package dispatch_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/dispatch"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

// agentSocket captures frames the dispatcher sends to an agent.
type agentSocket struct {
	mu     sync.Mutex
	frames [][]byte
	broken bool
}

func (s *agentSocket) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *agentSocket) Close(int, string) {}

// sentTypes decodes the frames into message types, in order.
func (s *agentSocket) sentTypes(t *testing.T) []protocol.MessageType {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.MessageType
	for _, raw := range s.frames {
		env, err := protocol.Decode(raw, time.Now())
		if err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		out = append(out, env.Type)
	}
	return out
}

// fakePub records published events without a registry round trip.
type fakePub struct {
	mu      sync.Mutex
	events  []broadcast.Event
	toAgent []*protocol.Envelope
}

func (p *fakePub) Publish(ev broadcast.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *fakePub) ToAgents(env *protocol.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toAgent = append(p.toAgent, env)
	return 1
}

func (p *fakePub) statuses(t *testing.T, commandID string) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Type != protocol.TypeCommandStatus {
			continue
		}
		var payload protocol.CommandStatusPayload
		if err := protocol.DecodePayload(ev.Envelope, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.CommandID == commandID {
			out = append(out, payload.Status)
		}
	}
	return out
}

type fakeStore struct {
	mu      sync.Mutex
	updates map[string][]string
}

func (s *fakeStore) UpdateCommandStatus(_ context.Context, commandID, status, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string][]string)
	}
	s.updates[commandID] = append(s.updates[commandID], status)
	return nil
}

type fixture struct {
	d     *dispatch.Dispatcher
	q     *queue.Queue
	reg   *registry.Registry
	pub   *fakePub
	store *fakeStore
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	q, err := queue.Open(":memory:", 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	reg := registry.New(logger, 0)
	pub := &fakePub{}
	store := &fakeStore{}
	clock := clockwork.NewFakeClock()
	d := dispatch.New(dispatch.Config{}, q, reg, pub, store, nil, clock, logger)
	return &fixture{d: d, q: q, reg: reg, pub: pub, store: store, clock: clock}
}

func (f *fixture) connectAgent(t *testing.T, agentID string) *agentSocket {
	t.Helper()
	sock := &agentSocket{}
	if _, _, err := f.reg.AddAgent("conn-"+agentID, agentID, sock); err != nil {
		t.Fatal(err)
	}
	f.d.AgentConnected(context.Background(), agentID, 100)
	return sock
}

func cmd(id, agentID string, priority int) *dispatch.Command {
	return &dispatch.Command{
		ID:       id,
		Content:  "echo hi",
		Priority: priority,
		AgentID:  agentID,
		UserID:   "user-1",
	}
}

// TestHappyPathDispatch walks a command through QUEUED → EXECUTING →
// COMPLETED and checks the status broadcasts along the way.
func TestHappyPathDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sock := f.connectAgent(t, "agent-x")

	entry, err := f.d.Submit(ctx, cmd("cmd-1", "agent-x", 50))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if entry.Position != 1 {
		t.Errorf("position = %d, want 1", entry.Position)
	}

	// The agent received exactly one COMMAND_REQUEST.
	if types := sock.sentTypes(t); len(types) != 1 || types[0] != protocol.TypeCommandRequest {
		t.Fatalf("agent frames = %v", types)
	}

	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "cmd-1", AgentID: "agent-x", Status: "executing"})
	f.d.HandleComplete(ctx, protocol.CommandCompletePayload{CommandID: "cmd-1", AgentID: "agent-x", Status: "completed", ExitCode: 0})

	want := []string{"QUEUED", "EXECUTING", "COMPLETED"}
	if got := f.pub.statuses(t, "cmd-1"); !equal(got, want) {
		t.Errorf("status broadcasts = %v, want %v", got, want)
	}
	if got := f.store.updates["cmd-1"]; !equal(got, want) {
		t.Errorf("store updates = %v, want %v", got, want)
	}
}

// TestPriorityOvertake submits C1(25), C2(25), C3(90) to a busy agent and
// verifies dispatch order C3, C1, C2 once the agent frees up.
func TestPriorityOvertake(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sock := f.connectAgent(t, "agent-y")

	// First submission dispatches immediately and occupies the agent.
	if _, err := f.d.Submit(ctx, cmd("warmup", "agent-y", 99)); err != nil {
		t.Fatal(err)
	}
	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "warmup", Status: "executing"})

	for _, c := range []struct {
		id string
		p  int
	}{{"C1", 25}, {"C2", 25}, {"C3", 90}} {
		if _, err := f.d.Submit(ctx, cmd(c.id, "agent-y", c.p)); err != nil {
			t.Fatal(err)
		}
	}

	// Completing each command frees the agent for the next by priority.
	order := []string{"warmup", "C3", "C1", "C2"}
	for i, id := range order {
		if i > 0 {
			f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: id, Status: "executing"})
		}
		f.d.HandleComplete(ctx, protocol.CommandCompletePayload{
			CommandID: id, Status: "completed", ExitCode: 0,
		})
	}

	var dispatched []string
	for _, raw := range sock.frames {
		env, err := protocol.Decode(raw, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		if env.Type != protocol.TypeCommandRequest {
			continue
		}
		var p protocol.CommandRequestPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			t.Fatal(err)
		}
		dispatched = append(dispatched, p.CommandID)
	}
	if !equal(dispatched, order) {
		t.Errorf("dispatch order = %v, want %v", dispatched, order)
	}
}

// TestOneExecutingPerAgent verifies the at-most-one-outstanding invariant.
func TestOneExecutingPerAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sock := f.connectAgent(t, "agent-x")

	if _, err := f.d.Submit(ctx, cmd("c1", "agent-x", 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Submit(ctx, cmd("c2", "agent-x", 90)); err != nil {
		t.Fatal(err)
	}

	if n := len(sock.sentTypes(t)); n != 1 {
		t.Errorf("agent received %d requests while busy, want 1", n)
	}
	if got := len(f.d.Executing()); got != 0 {
		// Not acked yet, so nothing is EXECUTING.
		t.Errorf("executing = %d before ack", got)
	}
	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "c1", Status: "executing"})
	if got := f.d.Executing(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("executing = %v, want [c1]", got)
	}
}

// TestInterruptExecuting sends a cancel and then forces CANCELLED once the
// confirmation deadline passes without COMMAND_COMPLETE.
func TestInterruptExecuting(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sock := f.connectAgent(t, "agent-z")

	if _, err := f.d.Submit(ctx, cmd("C1", "agent-z", 50)); err != nil {
		t.Fatal(err)
	}
	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "C1", Status: "executing"})

	if err := f.d.Interrupt(ctx, "C1", "user"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	types := sock.sentTypes(t)
	if types[len(types)-1] != protocol.TypeCommandCancel {
		t.Fatalf("last agent frame = %v, want COMMAND_CANCEL", types)
	}

	// Still EXECUTING until the agent confirms or the deadline passes.
	if got := f.d.Command("C1").Status; got != dispatch.StatusExecuting {
		t.Errorf("status after cancel request = %s", got)
	}

	f.clock.Advance(6 * time.Second)
	f.d.Sweep(ctx)

	if got := f.d.Command("C1").Status; got != dispatch.StatusCancelled {
		t.Errorf("status after deadline = %s, want CANCELLED", got)
	}
}

// TestInterruptQueued removes a queued command without touching the agent.
func TestInterruptQueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.connectAgent(t, "agent-x")

	if _, err := f.d.Submit(ctx, cmd("c1", "agent-x", 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Submit(ctx, cmd("c2", "agent-x", 50)); err != nil {
		t.Fatal(err)
	}

	if err := f.d.Interrupt(ctx, "c2", "user"); err != nil {
		t.Fatal(err)
	}
	if got := f.d.Command("c2").Status; got != dispatch.StatusCancelled {
		t.Errorf("queued interrupt status = %s, want CANCELLED", got)
	}
	if _, err := f.q.Position(ctx, "c2"); !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("cancelled entry still queued: %v", err)
	}
}

// TestDisconnectRequeueThenFail verifies the disconnect policy: requeue with
// original priority while attempts remain, FAILED with agent_disconnected
// once exhausted.
func TestDisconnectRequeueThenFail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		f.connectAgent(t, "agent-x")
		if attempt == 1 {
			if _, err := f.d.Submit(ctx, cmd("c1", "agent-x", 70)); err != nil {
				t.Fatal(err)
			}
		}
		f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "c1", Status: "executing"})
		f.d.AgentDisconnected(ctx, "agent-x")

		c := f.d.Command("c1")
		if attempt < 3 {
			if c.Status != dispatch.StatusQueued {
				t.Fatalf("attempt %d: status = %s, want QUEUED", attempt, c.Status)
			}
			if c.Priority != 70 {
				t.Errorf("requeue lost priority: %d", c.Priority)
			}
		} else {
			if c.Status != dispatch.StatusFailed {
				t.Fatalf("attempt %d: status = %s, want FAILED", attempt, c.Status)
			}
		}
	}
}

// TestExecutionTimeout verifies the per-command time limit produces a cancel
// with reason timeout.
func TestExecutionTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	sock := f.connectAgent(t, "agent-x")

	c := cmd("c1", "agent-x", 50)
	c.Constraints.TimeLimitMs = 1000
	if _, err := f.d.Submit(ctx, c); err != nil {
		t.Fatal(err)
	}
	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "c1", Status: "executing"})

	f.clock.Advance(2 * time.Second)
	f.d.Sweep(ctx)

	types := sock.sentTypes(t)
	if types[len(types)-1] != protocol.TypeCommandCancel {
		t.Fatalf("expected COMMAND_CANCEL after timeout, got %v", types)
	}

	// Agent confirms the cancel.
	f.d.HandleComplete(ctx, protocol.CommandCompletePayload{CommandID: "c1", Status: "cancelled"})
	if got := f.d.Command("c1").Status; got != dispatch.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got)
	}
}

// TestUntargetedSelection verifies (healthScore DESC, queueLength ASC)
// agent selection.
func TestUntargetedSelection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.connectAgent(t, "agent-a")
	f.connectAgent(t, "agent-b")
	f.d.AgentHeartbeat("agent-a", 60)
	f.d.AgentHeartbeat("agent-b", 90)

	c := cmd("c1", "", 50)
	if _, err := f.d.Submit(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c.AgentID != "agent-b" {
		t.Errorf("selected %s, want agent-b (higher health)", c.AgentID)
	}

	// With equal health, shorter queue wins.
	f.d.AgentHeartbeat("agent-a", 90)
	for i := 0; i < 2; i++ {
		if _, err := f.q.Enqueue(ctx, "filler-"+string(rune('a'+i)), "agent-b", 10, 0); err != nil {
			t.Fatal(err)
		}
	}
	c2 := cmd("c2", "", 50)
	if _, err := f.d.Submit(ctx, c2); err != nil {
		t.Fatal(err)
	}
	if c2.AgentID != "agent-a" {
		t.Errorf("selected %s, want agent-a (shorter queue)", c2.AgentID)
	}
}

func TestSubmitNoAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.d.Submit(context.Background(), cmd("c1", "", 50)); !errors.Is(err, dispatch.ErrNoAgent) {
		t.Errorf("expected ErrNoAgent, got %v", err)
	}
}

// TestEmergencyStop runs the drill scenario: two agents each executing one
// command with two queued entries; the stop cancels all four and reports the
// counts.
func TestEmergencyStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	for _, agent := range []string{"agent-a", "agent-b"} {
		f.connectAgent(t, agent)
		if _, err := f.d.Submit(ctx, cmd(agent+"-run", agent, 50)); err != nil {
			t.Fatal(err)
		}
		f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: agent + "-run", Status: "executing"})
		if _, err := f.d.Submit(ctx, cmd(agent+"-q1", agent, 40)); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.d.EmergencyStop(ctx, "drill", "user-1")
	if err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if res.AgentsStopped != 2 || res.CommandsCancelled != 4 {
		t.Errorf("result = %+v, want {2 4}", res)
	}

	// Queues are empty.
	if f.q.Depth() != 0 {
		t.Errorf("queue depth after stop = %d", f.q.Depth())
	}

	// Queued entries are CANCELLED immediately; executing ones after the
	// confirmation deadline.
	for _, id := range []string{"agent-a-q1", "agent-b-q1"} {
		if got := f.d.Command(id).Status; got != dispatch.StatusCancelled {
			t.Errorf("%s status = %s, want CANCELLED", id, got)
		}
	}
	f.clock.Advance(6 * time.Second)
	f.d.Sweep(ctx)
	for _, id := range []string{"agent-a-run", "agent-b-run"} {
		if got := f.d.Command(id).Status; got != dispatch.StatusCancelled {
			t.Errorf("%s status = %s, want CANCELLED", id, got)
		}
	}

	// Exactly one EMERGENCY_STOP fan-out to dashboards.
	stops := 0
	for _, ev := range f.pub.events {
		if ev.Type == protocol.TypeEmergencyStop {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("dashboard EMERGENCY_STOP broadcasts = %d, want 1", stops)
	}
}

// TestTerminalStatesAbsorbing verifies a completed command ignores further
// lifecycle events.
func TestTerminalStatesAbsorbing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.connectAgent(t, "agent-x")

	if _, err := f.d.Submit(ctx, cmd("c1", "agent-x", 50)); err != nil {
		t.Fatal(err)
	}
	f.d.HandleAck(ctx, protocol.CommandAckPayload{CommandID: "c1", Status: "executing"})
	f.d.HandleComplete(ctx, protocol.CommandCompletePayload{CommandID: "c1", Status: "completed", ExitCode: 0})

	// Late events must not move the command out of COMPLETED.
	f.d.HandleComplete(ctx, protocol.CommandCompletePayload{CommandID: "c1", Status: "failed", Error: "late"})
	f.d.AgentDisconnected(ctx, "agent-x")

	if got := f.d.Command("c1").Status; got != dispatch.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED (absorbing)", got)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
