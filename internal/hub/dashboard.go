package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/dispatch"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
	"github.com/tdoan35/onsembl-sub008/internal/store"
)

// HandleDashboard serves GET /ws/dashboard. The client must authenticate on
// the upgrade request and send DASHBOARD_INIT within the init deadline or the
// connection is closed with 1008.
func (h *Hub) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if claims.Role == auth.RoleAgent {
		http.Error(w, "agent credentials on dashboard endpoint", http.StatusForbidden)
		return
	}

	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	session, evicted := h.sessions.Create(claims, auth.Fingerprint(remoteIP(r), r.UserAgent()))
	if evicted != nil {
		h.logger.Info("hub: session evicted",
			slog.String("user_id", evicted.UserID),
			slog.String("session_id", evicted.SessionID))
	}
	claims.SessionID = session.SessionID

	if _, err := h.reg.AddDashboard(conn.id, claims.Subject, conn); err != nil {
		h.sessions.Revoke(session.SessionID)
		conn.Close(websocket.ClosePolicyViolation, "connection limit reached")
		return
	}

	h.logger.Info("hub: dashboard connected",
		slog.String("conn_id", conn.id), slog.String("user_id", claims.Subject))

	h.dashboardLoop(conn, claims, session)
}

// dashboardLoop owns the read side of one dashboard connection and runs
// until the peer goes away or misbehaves.
func (h *Hub) dashboardLoop(conn *wsConn, claims *auth.Claims, session *auth.Session) {
	ctx := context.Background()
	defer func() {
		h.reg.Remove(conn.id)
		h.sessions.Revoke(session.SessionID)
		conn.Close(websocket.CloseNormalClosure, "")
		h.logger.Info("hub: dashboard disconnected",
			slog.String("conn_id", conn.id),
			slog.String("user_id", claims.Subject),
			slog.Int64("frames_dropped", conn.Dropped()))
	}()

	_ = conn.ws.SetReadDeadline(time.Now().Add(h.cfg.InitDeadline))
	conn.ws.SetPongHandler(func(string) error {
		h.reg.Touch(conn.id)
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	inited := false
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if !inited {
				conn.Close(websocket.ClosePolicyViolation, "init timeout")
			}
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

		if !inited {
			if env.Type != protocol.TypeDashboardInit {
				conn.Close(websocket.ClosePolicyViolation, "expected DASHBOARD_INIT")
				return
			}
			inited = true
			_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		if !h.allow(claims.Subject, env.Type) {
			h.sendError(conn, protocol.CodeRateLimit, "too many messages", true, env.ID)
			continue
		}

		h.handleDashboardFrame(ctx, conn, claims, env)
		h.maybeRotate(conn, &claims)
	}
}

func (h *Hub) handleDashboardFrame(ctx context.Context, conn *wsConn, claims *auth.Claims, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDashboardInit:
		var p protocol.DashboardInitPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad init payload", true, env.ID)
			return
		}
		h.reg.SetSubscriptions(conn.id, p.Subscriptions)
		h.sendAck(conn, env.ID, "subscribed")

	case protocol.TypePing:
		h.sendAck(conn, env.ID, "pong")

	case protocol.TypeCommandRequest:
		h.handleCommandRequest(ctx, conn, claims, env)

	case protocol.TypeCommandCancel:
		if !h.can(conn, claims, auth.ActionCommandExecute, env.ID) {
			return
		}
		var p protocol.CommandCancelPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad cancel payload", true, env.ID)
			return
		}
		reason := p.Reason
		if reason == "" {
			reason = "cancelled by " + claims.Subject
		}
		if err := h.disp.Interrupt(ctx, p.CommandID, reason); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, err.Error(), true, env.ID)
			return
		}
		h.sendAck(conn, env.ID, "cancel requested")

	case protocol.TypeAgentControl:
		if !h.can(conn, claims, auth.ActionAgentControl, env.ID) {
			return
		}
		var p protocol.AgentControlPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad control payload", true, env.ID)
			return
		}
		agent := h.reg.GetAgent(p.AgentID)
		if agent == nil {
			h.sendError(conn, protocol.CodeResourceExhausted, "agent not connected: "+p.AgentID, true, env.ID)
			return
		}
		fwd, err := protocol.NewEnvelope(protocol.TypeAgentControl, p)
		if err != nil {
			h.sendError(conn, protocol.CodeInternalError, "forward failed", true, env.ID)
			return
		}
		raw, err := protocol.Encode(fwd)
		if err != nil || !agent.Socket.Enqueue(raw) {
			h.sendError(conn, protocol.CodeInternalError, "forward failed", true, env.ID)
			return
		}
		h.sendAck(conn, env.ID, "control forwarded")

	case protocol.TypeEmergencyStop:
		if !h.can(conn, claims, auth.ActionEmergencyStop, env.ID) {
			return
		}
		var p protocol.EmergencyStopPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			h.sendError(conn, protocol.CodeValidationFailed, "bad stop payload", true, env.ID)
			return
		}
		res, err := h.disp.EmergencyStop(ctx, p.Reason, claims.Subject)
		if err != nil {
			h.sendError(conn, protocol.CodeInternalError, err.Error(), true, env.ID)
			return
		}
		h.logger.Warn("hub: emergency stop",
			slog.String("triggered_by", claims.Subject),
			slog.Int("agents_stopped", res.AgentsStopped),
			slog.Int("commands_cancelled", res.CommandsCancelled))
		h.sendAck(conn, env.ID, "emergency stop executed")

	default:
		h.sendError(conn, protocol.CodeValidationFailed,
			"unexpected message type "+string(env.Type), true, env.ID)
	}
}

func (h *Hub) handleCommandRequest(ctx context.Context, conn *wsConn, claims *auth.Claims, env *protocol.Envelope) {
	if !h.can(conn, claims, auth.ActionCommandExecute, env.ID) {
		return
	}
	var p protocol.CommandRequestPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		h.sendError(conn, protocol.CodeValidationFailed, "bad command payload", true, env.ID)
		return
	}
	if p.Command == "" {
		h.sendError(conn, protocol.CodeValidationFailed, "command must not be empty", true, env.ID)
		return
	}

	cmd := &dispatch.Command{
		ID:       p.CommandID,
		Content:  p.Command,
		Args:     p.Args,
		Type:     p.Type,
		Priority: p.Priority,
		AgentID:  p.AgentID,
		UserID:   claims.Subject,
		ConnID:   conn.id,
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if p.Constraints != nil {
		cmd.Constraints = *p.Constraints
	}

	entry, err := h.disp.Submit(ctx, cmd)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			h.sendError(conn, protocol.CodeResourceExhausted, "command queue is full", true, env.ID)
		case errors.Is(err, dispatch.ErrNoAgent):
			h.sendError(conn, protocol.CodeResourceExhausted, "no agent available", true, env.ID)
		case errors.Is(err, dispatch.ErrHalted):
			h.sendError(conn, protocol.CodeResourceExhausted, "emergency stop in progress", true, env.ID)
		case errors.Is(err, queue.ErrPriorityRange):
			h.sendError(conn, protocol.CodeValidationFailed, "priority out of range", true, env.ID)
		default:
			h.sendError(conn, protocol.CodeInternalError, "submit failed", true, env.ID)
		}
		return
	}

	if h.st != nil {
		rec := store.Command{
			CommandID: cmd.ID,
			AgentID:   cmd.AgentID,
			UserID:    claims.Subject,
			Content:   cmd.Content,
			Args:      cmd.Args,
			Type:      cmd.Type,
			Priority:  entry.Priority,
			Status:    string(dispatch.StatusQueued),
			CreatedAt: h.clock.Now(),
		}
		if err := h.st.InsertCommand(ctx, rec); err != nil {
			h.logger.Error("hub: persist command",
				slog.String("command_id", cmd.ID), slog.Any("error", err))
		}
	}

	h.sendAck(conn, env.ID, cmd.ID)
}

// can checks the subject's permission for action, emitting PERMISSION_DENIED
// when it is missing.
func (h *Hub) can(conn *wsConn, claims *auth.Claims, action auth.Action, originalID string) bool {
	if h.authz.Can(claims.Subject, claims.Role, action) {
		return true
	}
	h.sendError(conn, protocol.CodePermissionDenied,
		string(action)+" requires a higher role", true, originalID)
	return false
}

// Run emits SERVER_HEARTBEAT to connected agents until ctx is cancelled.
// Dashboards are kept alive by the socket-level ping/pong instead.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			env, err := protocol.NewEnvelope(protocol.TypeServerHeartbeat, protocol.ServerHeartbeatPayload{
				ServerTime: h.clock.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			h.pub.ToAgents(env)
		}
	}
}

var (
	_ Publisher       = (*broadcast.Broadcaster)(nil)
	_ Dispatcher      = (*dispatch.Dispatcher)(nil)
	_ Store           = (*store.Store)(nil)
	_ registry.Socket = (*wsConn)(nil)
)
