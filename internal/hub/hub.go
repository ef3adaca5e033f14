package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/dispatch"
	"github.com/tdoan35/onsembl-sub008/internal/liveness"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
	"github.com/tdoan35/onsembl-sub008/internal/store"
)

// Dispatcher is the command-routing surface the hub drives. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, cmd *dispatch.Command) (*queue.Entry, error)
	Interrupt(ctx context.Context, commandID, reason string) error
	EmergencyStop(ctx context.Context, reason, triggeredBy string) (dispatch.StopResult, error)
	AgentConnected(ctx context.Context, agentID string, healthScore int)
	AgentHeartbeat(agentID string, healthScore int)
	AgentDisconnected(ctx context.Context, agentID string)
	HandleAck(ctx context.Context, p protocol.CommandAckPayload)
	HandleComplete(ctx context.Context, p protocol.CommandCompletePayload)
}

// Store is the persistence surface the hub writes through. Satisfied by
// *store.Store; may be nil, in which case nothing is persisted.
type Store interface {
	UpsertAgent(ctx context.Context, a store.Agent) error
	UpdateAgentStatus(ctx context.Context, agentID, status string) error
	UpdateAgentPing(ctx context.Context, agentID string, at time.Time, healthScore int) error
	InsertCommand(ctx context.Context, c store.Command) error
	BatchInsertTerminal(ctx context.Context, chunk store.TerminalChunk) error
	InsertTrace(ctx context.Context, e store.TraceEntry) error
	InsertReport(ctx context.Context, r store.InvestigationReport) error
}

// Publisher fans events out to connected peers. Satisfied by
// *broadcast.Broadcaster.
type Publisher interface {
	Publish(ev broadcast.Event) int
	ToAgents(env *protocol.Envelope) int
}

// Config tunes the hub. Zero values pick sensible defaults.
type Config struct {
	// InitDeadline is how long a freshly upgraded connection has to send
	// its init message before it is closed with 1008.
	InitDeadline time.Duration

	// SendQueue is the outbound frame queue depth per connection.
	SendQueue int

	// TokenTTL is the lifetime of tokens issued on rotation.
	TokenTTL time.Duration

	// RotateWithin triggers in-band token rotation when a connection's
	// token has less than this much lifetime left.
	RotateWithin time.Duration
}

func (c *Config) defaults() {
	if c.InitDeadline <= 0 {
		c.InitDeadline = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = defaultSendQueue
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.RotateWithin <= 0 {
		c.RotateWithin = 5 * time.Minute
	}
}

// Hub owns the WebSocket endpoints. It authenticates upgrades, runs the
// per-connection read loop, and routes frames to the dispatcher, the
// broadcaster, and the store.
type Hub struct {
	cfg       Config
	verifier  *auth.Verifier
	blacklist *auth.Blacklist
	sessions  *auth.SessionManager
	limiter   *auth.RateLimiter // nil disables per-message rate limiting
	authz     *auth.Authorizer
	reg       *registry.Registry
	pub       Publisher
	disp      Dispatcher
	st        Store             // may be nil
	monitor   *liveness.Monitor // may be nil
	clock     clockwork.Clock
	logger    *slog.Logger

	upgrader websocket.Upgrader
}

// New creates a Hub. st and monitor may be nil.
func New(cfg Config, verifier *auth.Verifier, blacklist *auth.Blacklist,
	sessions *auth.SessionManager, limiter *auth.RateLimiter, authz *auth.Authorizer,
	reg *registry.Registry, pub Publisher, disp Dispatcher, st Store,
	monitor *liveness.Monitor, clock clockwork.Clock, logger *slog.Logger) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:       cfg,
		verifier:  verifier,
		blacklist: blacklist,
		sessions:  sessions,
		limiter:   limiter,
		authz:     authz,
		reg:       reg,
		pub:       pub,
		disp:      disp,
		st:        st,
		monitor:   monitor,
		clock:     clock,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Access control is enforced by the bearer token, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for browser clients that cannot set
// headers on WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate verifies the upgrade request's token. Failures are written to
// the ResponseWriter before the upgrade happens, so the client sees a plain
// HTTP status rather than a WebSocket close.
func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("hub: upgrade rejected",
			slog.String("remote", remoteIP(r)), slog.Any("error", err))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

// upgrade completes the WebSocket handshake and starts the write pump.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("hub: upgrade failed", slog.Any("error", err))
		return nil, false
	}
	conn := newWSConn(uuid.NewString(), ws, h.cfg.SendQueue, h.logger)
	ws.SetReadLimit(protocol.MaxMessageSize + 1024)
	go conn.writePump()
	return conn, true
}

// send encodes env and queues it on c. Encoding failures are programming
// errors and only logged.
func (h *Hub) send(c *wsConn, env *protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("hub: encode outbound", slog.Any("error", err))
		return
	}
	c.Enqueue(raw)
}

func (h *Hub) sendError(c *wsConn, code, message string, recoverable bool, originalID string) {
	h.send(c, protocol.ErrorEnvelope(code, message, recoverable, originalID))
}

func (h *Hub) sendAck(c *wsConn, originalID, detail string) {
	env, err := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{
		OriginalMessageID: originalID,
		Detail:            detail,
	})
	if err != nil {
		return
	}
	h.send(c, env)
}

// decode inflates a compressed wrapper if present and validates the envelope.
// A nil envelope with ok=true means the frame was rejected and an ERROR was
// already sent; ok=false means the connection should be torn down.
func (h *Hub) decode(c *wsConn, raw []byte) (*protocol.Envelope, bool) {
	if protocol.IsCompressed(raw) {
		inner, err := protocol.Decompress(raw)
		if err != nil {
			h.sendError(c, protocol.CodeValidationFailed, "malformed compressed frame", true, "")
			return nil, true
		}
		raw = inner
	}
	env, err := protocol.Decode(raw, h.clock.Now())
	if err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			h.sendError(c, ve.Code, ve.Reason, true, ve.OriginalMessageID)
			return nil, true
		}
		h.sendError(c, protocol.CodeValidationFailed, "malformed frame", true, "")
		return nil, true
	}
	return env, true
}

// maybeRotate issues a fresh token over the wire when claims are close to
// expiry, then blacklists the old token id for its remaining lifetime.
func (h *Hub) maybeRotate(c *wsConn, claims **auth.Claims) {
	now := h.clock.Now()
	if !auth.NeedsRotation(*claims, now, h.cfg.RotateWithin) {
		return
	}
	old := *claims
	token, fresh, err := h.verifier.Issue(old.Subject, old.Role, old.SessionID, uuid.NewString(), h.cfg.TokenTTL)
	if err != nil {
		h.logger.Error("hub: token rotation failed",
			slog.String("subject", old.Subject), slog.Any("error", err))
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeTokenRefresh, protocol.TokenRefreshPayload{
		AccessToken: token,
		ExpiresAt:   fresh.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return
	}
	h.send(c, env)
	h.blacklist.Revoke(old.TokenID, old.ExpiresAt)
	*claims = fresh
	h.logger.Info("hub: rotated token",
		slog.String("subject", old.Subject), slog.String("session_id", old.SessionID))
}

// allow applies per-subject message rate limiting. Heartbeats, pings, and
// init frames are exempt so a throttled peer can still prove liveness.
func (h *Hub) allow(subject string, typ protocol.MessageType) bool {
	switch typ {
	case protocol.TypeAgentHeartbeat, protocol.TypePing,
		protocol.TypeDashboardInit, protocol.TypeAgentConnect:
		return true
	}
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(subject)
}
