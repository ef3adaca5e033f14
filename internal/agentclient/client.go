package agentclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/protocol"
)

const (
	// defaultHeartbeat is the interval between AGENT_HEARTBEAT frames.
	defaultHeartbeat = 10 * time.Second

	// dialTimeout bounds the WebSocket handshake.
	dialTimeout = 10 * time.Second

	// clientWriteWait bounds each outbound write.
	clientWriteWait = 10 * time.Second

	// readIdleTimeout kills the session when the server goes silent; the
	// server pings every 54s, so a healthy link never gets close.
	readIdleTimeout = 90 * time.Second
)

// TokenSource supplies the access token for the control-plane handshake and
// persists rotated tokens pushed over the wire.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Store(ctx context.Context, token string) error
}

// Executor runs one command to completion. emit streams terminal output; the
// Sequence field is assigned by the client and may be left zero. Execute must
// honor ctx cancellation and report status "cancelled" when interrupted.
type Executor interface {
	Execute(ctx context.Context, req protocol.CommandRequestPayload,
		emit func(stream, content string)) protocol.CommandCompletePayload
}

// ClientConfig configures the agent's control-plane connection.
type ClientConfig struct {
	// ServerURL is the WebSocket endpoint, e.g. "ws://host:8080/ws/agent".
	ServerURL string

	// AgentID is the stable agent identity sent in AGENT_CONNECT. It must
	// match the token subject or the server closes the connection.
	AgentID string

	// AgentType labels the underlying tool, e.g. "claude".
	AgentType string

	// Version is the agent build version.
	Version string

	// Capabilities advertises what the agent can run.
	Capabilities []string

	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration

	// Reconnect tunes the backoff engine.
	Reconnect ReconnectConfig
}

// Client maintains the agent's connection to the control plane. It dials
// through a [Reconnector], executes COMMAND_REQUEST frames through the
// configured [Executor], and streams output and completions back.
//
// Use [NewClient] to construct one, [Client.Start] to begin the connection
// loop, and [Client.Stop] to shut down cleanly.
type Client struct {
	cfg    ClientConfig
	tokens TokenSource
	exec   Executor
	clock  clockwork.Clock
	logger *slog.Logger

	recon *Reconnector

	// writeMu serialises writes to the active socket.
	writeMu sync.Mutex
	ws      *websocket.Conn

	// running tracks in-flight commands by id for cancellation.
	runMu   sync.Mutex
	running map[string]context.CancelFunc
	seqs    map[string]*outputSeq
}

type outputSeq struct {
	mu     sync.Mutex
	stdout int64
	stderr int64
}

func (s *outputSeq) next(stream string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == "stderr" {
		s.stderr++
		return s.stderr
	}
	s.stdout++
	return s.stdout
}

// NewClient creates a Client. breaker may be nil to disable the circuit
// breaker; events callbacks may be zero.
func NewClient(cfg ClientConfig, tokens TokenSource, exec Executor, events Events,
	breaker *Breaker, clock clockwork.Clock, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		exec:    exec,
		clock:   clock,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
		seqs:    make(map[string]*outputSeq),
	}
	c.recon = NewReconnector(cfg.Reconnect, c.connect, events, breaker, clock, logger)
	return c
}

// Start launches the connection loop. Connection failures are retried with
// backoff and are not surfaced as errors from Start.
func (c *Client) Start(ctx context.Context) error { return c.recon.Start(ctx) }

// Stop shuts the connection loop down and blocks until it has exited.
func (c *Client) Stop() { c.recon.Stop() }

// State returns the reconnection engine state.
func (c *Client) State() State { return c.recon.State() }

// ForceReconnect drops the current session and dials again.
func (c *Client) ForceReconnect() { c.recon.ForceReconnect() }

// ─── connect + session ───────────────────────────────────────────────────────

// connect dials the control plane and completes the AGENT_CONNECT handshake.
func (c *Client) connect(ctx context.Context) (SessionFunc, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("agentclient: load token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, c.cfg.ServerURL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agentclient: dial %s: %w (HTTP %d)", c.cfg.ServerURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("agentclient: dial %s: %w", c.cfg.ServerURL, err)
	}

	env, err := protocol.NewEnvelope(protocol.TypeAgentConnect, protocol.AgentConnectPayload{
		AgentID:      c.cfg.AgentID,
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
		Metadata:     map[string]string{"type": c.cfg.AgentType},
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		ws.Close()
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		ws.Close()
		return nil, fmt.Errorf("agentclient: send AGENT_CONNECT: %w", err)
	}

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	c.logger.Info("agentclient: connected",
		slog.String("server", c.cfg.ServerURL),
		slog.String("agent_id", c.cfg.AgentID))

	return c.session, nil
}

// session runs the read loop and heartbeat for one established connection.
func (c *Client) session(ctx context.Context) error {
	ws := c.currentConn()
	if ws == nil {
		return fmt.Errorf("agentclient: no active connection")
	}
	defer func() {
		c.cancelAll()
		c.writeMu.Lock()
		c.ws = nil
		c.writeMu.Unlock()
		ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
		return ws.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeatLoop(hbCtx)

	// Close the socket when the session context is cancelled so the blocked
	// read returns.
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ErrStopped
			default:
				return fmt.Errorf("agentclient: read: %w", err)
			}
		}
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))

		if protocol.IsCompressed(raw) {
			if raw, err = protocol.Decompress(raw); err != nil {
				c.logger.Warn("agentclient: bad compressed frame", slog.Any("error", err))
				continue
			}
		}
		env, err := protocol.Decode(raw, c.clock.Now())
		if err != nil {
			c.logger.Warn("agentclient: bad frame", slog.Any("error", err))
			continue
		}
		c.handleFrame(ctx, env)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.sendEnvelope(protocol.TypeAgentHeartbeat, protocol.AgentHeartbeatPayload{
				AgentID: c.cfg.AgentID,
				Health:  c.healthScore(),
			})
		}
	}
}

// healthScore degrades with concurrent load so untargeted dispatch prefers
// idle agents.
func (c *Client) healthScore() int {
	c.runMu.Lock()
	n := len(c.running)
	c.runMu.Unlock()
	score := 100 - 25*n
	if score < 10 {
		score = 10
	}
	return score
}

// sendEnvelope builds, encodes, and writes one frame. Write errors are logged
// and otherwise ignored; the read loop notices a dead socket first.
func (c *Client) sendEnvelope(typ protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		c.logger.Error("agentclient: build envelope",
			slog.String("type", string(typ)), slog.Any("error", err))
		return
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error("agentclient: encode envelope",
			slog.String("type", string(typ)), slog.Any("error", err))
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Debug("agentclient: write failed",
			slog.String("type", string(typ)), slog.Any("error", err))
	}
}

// ─── frame handling ──────────────────────────────────────────────────────────

func (c *Client) handleFrame(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCommandRequest:
		var p protocol.CommandRequestPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			c.logger.Warn("agentclient: bad command payload", slog.Any("error", err))
			return
		}
		c.startCommand(ctx, p)

	case protocol.TypeCommandCancel:
		var p protocol.CommandCancelPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		c.cancelCommand(p.CommandID, p.Reason)

	case protocol.TypeTokenRefresh:
		var p protocol.TokenRefreshPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		if err := c.tokens.Store(ctx, p.AccessToken); err != nil {
			c.logger.Error("agentclient: persist rotated token", slog.Any("error", err))
			return
		}
		c.logger.Info("agentclient: token rotated",
			slog.Int64("expires_at", p.ExpiresAt))

	case protocol.TypeEmergencyStop:
		c.logger.Warn("agentclient: emergency stop received, cancelling all commands")
		c.cancelAll()

	case protocol.TypeAgentControl:
		var p protocol.AgentControlPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		c.handleControl(p)

	case protocol.TypeServerHeartbeat, protocol.TypeAck:
		// Keep-alive and confirmations need no action.

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		c.logger.Warn("agentclient: server error",
			slog.String("code", p.Code),
			slog.String("message", p.Message),
			slog.Bool("recoverable", p.Recoverable))

	default:
		c.logger.Debug("agentclient: ignoring frame",
			slog.String("type", string(env.Type)))
	}
}

func (c *Client) handleControl(p protocol.AgentControlPayload) {
	switch p.Action {
	case "reconnect":
		c.ForceReconnect()
	case "stop":
		c.cancelAll()
	default:
		c.logger.Warn("agentclient: unknown control action",
			slog.String("action", p.Action))
	}
}

// startCommand acknowledges the request and runs the executor in its own
// goroutine so the read loop stays responsive to cancels.
func (c *Client) startCommand(ctx context.Context, req protocol.CommandRequestPayload) {
	var cmdCtx context.Context
	var cancel context.CancelFunc
	if req.Constraints != nil && req.Constraints.TimeLimitMs > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Constraints.TimeLimitMs)*time.Millisecond)
	} else {
		cmdCtx, cancel = context.WithCancel(ctx)
	}

	c.runMu.Lock()
	if _, dup := c.running[req.CommandID]; dup {
		c.runMu.Unlock()
		cancel()
		return
	}
	c.running[req.CommandID] = cancel
	c.seqs[req.CommandID] = &outputSeq{}
	c.runMu.Unlock()

	c.sendEnvelope(protocol.TypeCommandAck, protocol.CommandAckPayload{
		CommandID: req.CommandID,
		AgentID:   c.cfg.AgentID,
		Status:    "executing",
	})

	go func() {
		defer func() {
			cancel()
			c.runMu.Lock()
			delete(c.running, req.CommandID)
			delete(c.seqs, req.CommandID)
			c.runMu.Unlock()
		}()

		emit := func(stream, content string) {
			c.emitOutput(req.CommandID, stream, content)
		}
		result := c.exec.Execute(cmdCtx, req, emit)
		result.CommandID = req.CommandID
		result.AgentID = c.cfg.AgentID
		c.sendEnvelope(protocol.TypeCommandComplete, result)
		c.logger.Info("agentclient: command finished",
			slog.String("command_id", req.CommandID),
			slog.String("status", result.Status))
	}()
}

func (c *Client) emitOutput(commandID, stream, content string) {
	c.runMu.Lock()
	seq := c.seqs[commandID]
	c.runMu.Unlock()
	if seq == nil {
		return
	}
	c.sendEnvelope(protocol.TypeTerminalOutput, protocol.TerminalOutputPayload{
		CommandID: commandID,
		AgentID:   c.cfg.AgentID,
		Stream:    stream,
		Content:   content,
		Sequence:  seq.next(stream),
	})
}

func (c *Client) cancelCommand(commandID, reason string) {
	c.runMu.Lock()
	cancel := c.running[commandID]
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	c.logger.Info("agentclient: cancelling command",
		slog.String("command_id", commandID), slog.String("reason", reason))
	cancel()
}

func (c *Client) cancelAll() {
	c.runMu.Lock()
	for id, cancel := range c.running {
		c.logger.Info("agentclient: cancelling command", slog.String("command_id", id))
		cancel()
	}
	c.runMu.Unlock()
}
