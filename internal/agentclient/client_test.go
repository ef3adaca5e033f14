package agentclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/agentclient"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
)

// ── fakes ────────────────────────────────────────────────────────────

type memTokens struct {
	mu     sync.Mutex
	token  string
	stored []string
}

func (m *memTokens) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *memTokens) Store(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.stored = append(m.stored, token)
	return nil
}

// scriptedExecutor emits fixed output lines, or blocks until cancelled when
// block is set.
type scriptedExecutor struct {
	lines []string
	block bool
}

func (e *scriptedExecutor) Execute(ctx context.Context, req protocol.CommandRequestPayload,
	emit func(stream, content string)) protocol.CommandCompletePayload {
	if e.block {
		<-ctx.Done()
		return protocol.CommandCompletePayload{Status: "cancelled"}
	}
	for _, line := range e.lines {
		emit("stdout", line)
	}
	return protocol.CommandCompletePayload{Status: "completed", ExitCode: 0}
}

// fakePlane is a minimal control-plane endpoint: it upgrades, records every
// envelope, and lets the test push frames to the agent.
type fakePlane struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	seen  []*protocol.Envelope
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	p := &fakePlane{t: t}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, ws)
		p.mu.Unlock()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			p.mu.Lock()
			p.seen = append(p.seen, &env)
			p.mu.Unlock()
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlane) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakePlane) send(t *testing.T, typ protocol.MessageType, payload any) {
	t.Helper()
	p.mu.Lock()
	if len(p.conns) == 0 {
		p.mu.Unlock()
		t.Fatal("no agent connection yet")
	}
	ws := p.conns[len(p.conns)-1]
	p.mu.Unlock()

	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatalf("build %s: %v", typ, err)
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// frames returns the recorded envelopes of one type, in arrival order.
func (p *fakePlane) frames(typ protocol.MessageType) []*protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range p.seen {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePlane) waitFrames(t *testing.T, typ protocol.MessageType, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.frames(typ); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never saw %d %s frames", n, typ)
	return nil
}

func startClient(t *testing.T, plane *fakePlane, exec agentclient.Executor, tokens *memTokens) *agentclient.Client {
	t.Helper()
	c := agentclient.NewClient(agentclient.ClientConfig{
		ServerURL:         plane.url(),
		AgentID:           "agent-1",
		AgentType:         "claude",
		Version:           "1.0.0",
		HeartbeatInterval: 20 * time.Millisecond,
	}, tokens, exec, agentclient.Events{}, nil, clockwork.NewRealClock(), discardLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

// ── tests ────────────────────────────────────────────────────────────

func TestClientHandshakeAndHeartbeat(t *testing.T) {
	t.Parallel()
	plane := newFakePlane(t)
	startClient(t, plane, &scriptedExecutor{}, &memTokens{token: "tok"})

	connects := plane.waitFrames(t, protocol.TypeAgentConnect, 1)
	var hello protocol.AgentConnectPayload
	if err := protocol.DecodePayload(connects[0], &hello); err != nil {
		t.Fatalf("decode AGENT_CONNECT: %v", err)
	}
	if hello.AgentID != "agent-1" || hello.Version != "1.0.0" {
		t.Fatalf("unexpected handshake: %+v", hello)
	}
	if hello.Metadata["type"] != "claude" {
		t.Fatalf("handshake metadata missing agent type: %+v", hello.Metadata)
	}

	beats := plane.waitFrames(t, protocol.TypeAgentHeartbeat, 2)
	var beat protocol.AgentHeartbeatPayload
	if err := protocol.DecodePayload(beats[0], &beat); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if beat.AgentID != "agent-1" || beat.Health != 100 {
		t.Fatalf("unexpected heartbeat: %+v", beat)
	}
}

func TestClientExecutesCommand(t *testing.T) {
	t.Parallel()
	plane := newFakePlane(t)
	exec := &scriptedExecutor{lines: []string{"checking out", "running tests"}}
	startClient(t, plane, exec, &memTokens{token: "tok"})
	plane.waitFrames(t, protocol.TypeAgentConnect, 1)

	plane.send(t, protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID: "cmd-1",
		AgentID:   "agent-1",
		Command:   "run the test suite",
	})

	acks := plane.waitFrames(t, protocol.TypeCommandAck, 1)
	var ack protocol.CommandAckPayload
	if err := protocol.DecodePayload(acks[0], &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.CommandID != "cmd-1" || ack.Status != "executing" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	outs := plane.waitFrames(t, protocol.TypeTerminalOutput, 2)
	for i, env := range outs {
		var p protocol.TerminalOutputPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if p.CommandID != "cmd-1" || p.Stream != "stdout" {
			t.Fatalf("unexpected output: %+v", p)
		}
		if p.Sequence != int64(i+1) {
			t.Fatalf("output %d has sequence %d, want %d", i, p.Sequence, i+1)
		}
	}

	dones := plane.waitFrames(t, protocol.TypeCommandComplete, 1)
	var done protocol.CommandCompletePayload
	if err := protocol.DecodePayload(dones[0], &done); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if done.CommandID != "cmd-1" || done.AgentID != "agent-1" || done.Status != "completed" {
		t.Fatalf("unexpected completion: %+v", done)
	}
}

func TestClientCancelsCommand(t *testing.T) {
	t.Parallel()
	plane := newFakePlane(t)
	startClient(t, plane, &scriptedExecutor{block: true}, &memTokens{token: "tok"})
	plane.waitFrames(t, protocol.TypeAgentConnect, 1)

	plane.send(t, protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID: "cmd-1",
		Command:   "long running investigation",
	})
	plane.waitFrames(t, protocol.TypeCommandAck, 1)

	plane.send(t, protocol.TypeCommandCancel, protocol.CommandCancelPayload{
		CommandID: "cmd-1",
		Reason:    "operator interrupt",
	})

	dones := plane.waitFrames(t, protocol.TypeCommandComplete, 1)
	var done protocol.CommandCompletePayload
	if err := protocol.DecodePayload(dones[0], &done); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if done.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", done.Status)
	}
}

func TestClientStoresRotatedToken(t *testing.T) {
	t.Parallel()
	plane := newFakePlane(t)
	tokens := &memTokens{token: "tok-old"}
	startClient(t, plane, &scriptedExecutor{}, tokens)
	plane.waitFrames(t, protocol.TypeAgentConnect, 1)

	plane.send(t, protocol.TypeTokenRefresh, protocol.TokenRefreshPayload{
		AccessToken: "tok-new",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tokens.mu.Lock()
		stored := len(tokens.stored)
		current := tokens.token
		tokens.mu.Unlock()
		if stored == 1 && current == "tok-new" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("rotated token was never stored")
}

func TestClientTimeLimitCancelsExecution(t *testing.T) {
	t.Parallel()
	plane := newFakePlane(t)
	startClient(t, plane, &scriptedExecutor{block: true}, &memTokens{token: "tok"})
	plane.waitFrames(t, protocol.TypeAgentConnect, 1)

	plane.send(t, protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID:   "cmd-1",
		Command:     "bounded work",
		Constraints: &protocol.ExecutionConstraints{TimeLimitMs: 50},
	})

	dones := plane.waitFrames(t, protocol.TypeCommandComplete, 1)
	var done protocol.CommandCompletePayload
	if err := protocol.DecodePayload(dones[0], &done); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if done.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", done.Status)
	}
}
