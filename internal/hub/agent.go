package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/store"
)

// HandleAgent serves GET /ws/agent. The client must authenticate with an
// agent-role token and send AGENT_CONNECT within the init deadline or the
// connection is closed with 1008.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if claims.Role != auth.RoleAgent {
		http.Error(w, "agent endpoint requires agent credentials", http.StatusForbidden)
		return
	}

	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	_ = conn.ws.SetReadDeadline(time.Now().Add(h.cfg.InitDeadline))
	conn.ws.SetPongHandler(func(string) error {
		h.reg.Touch(conn.id)
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	connect, ok := h.awaitAgentConnect(conn, claims)
	if !ok {
		return
	}
	agentID := connect.AgentID

	if _, evicted, err := h.reg.AddAgent(conn.id, agentID, conn); err != nil {
		conn.Close(websocket.ClosePolicyViolation, "connection limit reached")
		return
	} else if evicted != "" {
		h.logger.Info("hub: agent reconnected, evicted stale connection",
			slog.String("agent_id", agentID), slog.String("evicted_conn_id", evicted))
	}

	session, _ := h.sessions.Create(claims, auth.Fingerprint(remoteIP(r), r.UserAgent()))
	claims.SessionID = session.SessionID

	ctx := context.Background()
	h.registerAgent(ctx, agentID, connect)

	h.logger.Info("hub: agent connected",
		slog.String("conn_id", conn.id),
		slog.String("agent_id", agentID),
		slog.String("version", connect.Version))

	h.agentLoop(ctx, conn, claims, session, agentID)
}

// awaitAgentConnect reads the first frame and requires it to be a valid
// AGENT_CONNECT whose agent id matches the token subject.
func (h *Hub) awaitAgentConnect(conn *wsConn, claims *auth.Claims) (*protocol.AgentConnectPayload, bool) {
	_, raw, err := conn.ws.ReadMessage()
	if err != nil {
		conn.Close(websocket.ClosePolicyViolation, "init timeout")
		return nil, false
	}
	env, ok := h.decode(conn, raw)
	if !ok || env == nil || env.Type != protocol.TypeAgentConnect {
		conn.Close(websocket.ClosePolicyViolation, "expected AGENT_CONNECT")
		return nil, false
	}
	var p protocol.AgentConnectPayload
	if err := protocol.DecodePayload(env, &p); err != nil || p.AgentID == "" {
		conn.Close(websocket.ClosePolicyViolation, "bad AGENT_CONNECT payload")
		return nil, false
	}
	if p.AgentID != claims.Subject {
		h.logger.Warn("hub: agent id does not match token subject",
			slog.String("agent_id", p.AgentID), slog.String("subject", claims.Subject))
		conn.Close(websocket.ClosePolicyViolation, "agent id does not match credentials")
		return nil, false
	}
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	return &p, true
}

// registerAgent brings the agent online everywhere: persistence, dispatch,
// liveness, and the dashboard fan-out.
func (h *Hub) registerAgent(ctx context.Context, agentID string, connect *protocol.AgentConnectPayload) {
	if h.st != nil {
		now := h.clock.Now()
		var meta json.RawMessage
		if len(connect.Metadata) > 0 || len(connect.Capabilities) > 0 {
			meta, _ = json.Marshal(map[string]any{
				"capabilities": connect.Capabilities,
				"metadata":     connect.Metadata,
			})
		}
		err := h.st.UpsertAgent(ctx, store.Agent{
			AgentID:     agentID,
			Name:        agentID,
			Type:        connect.Metadata["type"],
			Version:     connect.Version,
			Status:      store.AgentOnline,
			HealthScore: 100,
			ConnectedAt: &now,
			Metadata:    meta,
		})
		if err != nil {
			h.logger.Error("hub: persist agent",
				slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	if h.monitor != nil {
		h.monitor.Beat(agentID)
	}
	h.disp.AgentConnected(ctx, agentID, 100)
	h.publishAgentStatus(agentID, string(store.AgentOnline))
}

func (h *Hub) publishAgentStatus(agentID, status string) {
	env, err := protocol.NewEnvelope(protocol.TypeAgentStatus, protocol.AgentStatusPayload{
		AgentID:  agentID,
		Status:   status,
		LastPing: h.clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.pub.Publish(broadcast.Event{
		Type:     protocol.TypeAgentStatus,
		AgentID:  agentID,
		Envelope: env,
	})
}

// agentLoop owns the read side of one agent connection.
func (h *Hub) agentLoop(ctx context.Context, conn *wsConn, claims *auth.Claims, session *auth.Session, agentID string) {
	defer func() {
		h.sessions.Revoke(session.SessionID)
		removed := h.reg.Remove(conn.id)
		conn.Close(websocket.CloseNormalClosure, "")
		if removed == nil {
			// A newer connection for this agent already took over.
			return
		}
		if h.monitor != nil {
			h.monitor.Forget(agentID)
		}
		h.disp.AgentDisconnected(ctx, agentID)
		if h.st != nil {
			if err := h.st.UpdateAgentStatus(ctx, agentID, string(store.AgentOffline)); err != nil {
				h.logger.Error("hub: mark agent offline",
					slog.String("agent_id", agentID), slog.Any("error", err))
			}
		}
		h.publishAgentStatus(agentID, string(store.AgentOffline))
		h.logger.Info("hub: agent disconnected",
			slog.String("conn_id", conn.id),
			slog.String("agent_id", agentID),
			slog.Int64("frames_dropped", conn.Dropped()))
	}()

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		h.reg.Touch(conn.id)

		env, ok := h.decode(conn, raw)
		if !ok {
			return
		}
		if env == nil {
			continue
		}

		if !h.allow(agentID, env.Type) {
			h.sendError(conn, protocol.CodeRateLimit, "too many messages", true, env.ID)
			continue
		}

		h.handleAgentFrame(ctx, conn, agentID, env)
		h.maybeRotate(conn, &claims)
	}
}

func (h *Hub) handleAgentFrame(ctx context.Context, conn *wsConn, agentID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentHeartbeat:
		var p protocol.AgentHeartbeatPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		health := p.Health
		if health <= 0 || health > 100 {
			health = 100
		}
		if h.monitor != nil {
			h.monitor.Beat(agentID)
		}
		h.disp.AgentHeartbeat(agentID, health)
		if h.st != nil {
			if err := h.st.UpdateAgentPing(ctx, agentID, h.clock.Now(), health); err != nil {
				h.logger.Debug("hub: persist ping",
					slog.String("agent_id", agentID), slog.Any("error", err))
			}
		}

	case protocol.TypeCommandAck:
		var p protocol.CommandAckPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad ack payload", true, env.ID)
			return
		}
		h.disp.HandleAck(ctx, p)

	case protocol.TypeCommandComplete:
		var p protocol.CommandCompletePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad complete payload", true, env.ID)
			return
		}
		h.disp.HandleComplete(ctx, p)

	case protocol.TypeTerminalOutput:
		var p protocol.TerminalOutputPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		h.relayTerminal(ctx, agentID, p)

	case protocol.TypeTraceEvent:
		var p protocol.TraceEventPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		h.relayTrace(ctx, agentID, p)

	case protocol.TypeInvestigationReport:
		var p protocol.InvestigationReportPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad report payload", true, env.ID)
			return
		}
		if h.st != nil {
			rep := store.InvestigationReport{
				ReportID:  env.ID,
				AgentID:   agentID,
				CommandID: p.CommandID,
				Title:     p.Title,
				Content:   p.Report,
				CreatedAt: h.clock.Now(),
			}
			if err := h.st.InsertReport(ctx, rep); err != nil {
				h.logger.Error("hub: persist report",
					slog.String("agent_id", agentID), slog.Any("error", err))
				h.sendError(conn, protocol.CodeInternalError, "report not stored", true, env.ID)
				return
			}
		}
		h.sendAck(conn, env.ID, "report stored")

	case protocol.TypeAgentError:
		var p protocol.AgentErrorPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			return
		}
		h.logger.Warn("hub: agent error",
			slog.String("agent_id", agentID),
			slog.String("message", p.Message),
			slog.Bool("fatal", p.Fatal))
		if p.Fatal {
			if h.st != nil {
				if err := h.st.UpdateAgentStatus(ctx, agentID, string(store.AgentError)); err != nil {
					h.logger.Error("hub: mark agent errored",
						slog.String("agent_id", agentID), slog.Any("error", err))
				}
			}
			h.publishAgentStatus(agentID, string(store.AgentError))
		}

	case protocol.TypePing:
		h.sendAck(conn, env.ID, "pong")

	default:
		h.sendError(conn, protocol.CodeValidationFailed,
			"unexpected message type "+string(env.Type), true, env.ID)
	}
}

// relayTerminal republishes agent output to subscribed dashboards and buffers
// it for persistence.
func (h *Hub) relayTerminal(ctx context.Context, agentID string, p protocol.TerminalOutputPayload) {
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	env, err := protocol.NewEnvelope(protocol.TypeTerminalStream, p)
	if err != nil {
		return
	}
	h.pub.Publish(broadcast.Event{
		Type:      protocol.TypeTerminalStream,
		AgentID:   p.AgentID,
		CommandID: p.CommandID,
		Envelope:  env,
	})
	if h.st != nil {
		chunk := store.TerminalChunk{
			CommandID: p.CommandID,
			AgentID:   p.AgentID,
			Stream:    p.Stream,
			Content:   p.Content,
			Sequence:  p.Sequence,
			Timestamp: h.clock.Now(),
		}
		if err := h.st.BatchInsertTerminal(ctx, chunk); err != nil {
			h.logger.Debug("hub: buffer terminal chunk",
				slog.String("command_id", p.CommandID), slog.Any("error", err))
		}
	}
}

// relayTrace republishes an LLM trace event to dashboards and records it.
func (h *Hub) relayTrace(ctx context.Context, agentID string, p protocol.TraceEventPayload) {
	if p.AgentID == "" {
		p.AgentID = agentID
	}
	env, err := protocol.NewEnvelope(protocol.TypeTraceUpdate, p)
	if err != nil {
		return
	}
	h.pub.Publish(broadcast.Event{
		Type:      protocol.TypeTraceUpdate,
		AgentID:   p.AgentID,
		CommandID: p.CommandID,
		Envelope:  env,
	})
	if h.st != nil {
		detail, _ := json.Marshal(map[string]any{
			"kind":         p.Kind,
			"model":        p.Model,
			"inputTokens":  p.InputTokens,
			"outputTokens": p.OutputTokens,
			"excerpt":      p.Excerpt,
		})
		entry := store.TraceEntry{
			TraceID:   p.TraceID,
			SpanID:    env.ID,
			ParentID:  p.ParentTraceID,
			AgentID:   p.AgentID,
			CommandID: p.CommandID,
			Name:      p.Kind,
			StartedAt: h.clock.Now(),
			Detail:    detail,
		}
		if err := h.st.InsertTrace(ctx, entry); err != nil {
			h.logger.Debug("hub: persist trace",
				slog.String("trace_id", p.TraceID), slog.Any("error", err))
		}
	}
}
