package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"log/slog"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
	"github.com/tdoan35/onsembl-sub008/internal/dispatch"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
	"github.com/tdoan35/onsembl-sub008/internal/store"
)

// Dispatcher is the command surface the REST API drives. Satisfied by
// *dispatch.Dispatcher.
type Dispatcher interface {
	Submit(ctx context.Context, cmd *dispatch.Command) (*queue.Entry, error)
	Command(id string) *dispatch.Command
	Executing() []string
}

// Store is the read side of the durable store the API queries. Satisfied by
// *store.Store; may be nil, which degrades the affected endpoints.
type Store interface {
	Ping(ctx context.Context) error
	GetAgent(ctx context.Context, agentID string) (*store.Agent, error)
	ListCommands(ctx context.Context, q store.CommandQuery) ([]store.Command, error)
	ListPresets(ctx context.Context) ([]store.CommandPreset, error)
}

// QueueLener reports per-agent queue length. Satisfied by *queue.Queue.
type QueueLener interface {
	Len(ctx context.Context, agentID string) (int, error)
	Depth() int
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	verifier *auth.Verifier
	authz    *auth.Authorizer
	reg      *registry.Registry
	disp     Dispatcher
	q        QueueLener
	st       Store // may be nil
	metrics  *Metrics
	logger   *slog.Logger
}

// NewServer creates a Server. st may be nil when the control plane runs
// without a durable store.
func NewServer(verifier *auth.Verifier, authz *auth.Authorizer, reg *registry.Registry,
	disp Dispatcher, q QueueLener, st Store, metrics *Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		verifier: verifier,
		authz:    authz,
		reg:      reg,
		disp:     disp,
		q:        q,
		st:       st,
		metrics:  metrics,
		logger:   logger,
	}
}

// ─── POST /auth/verify ───────────────────────────────────────────────────────

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid     bool   `json:"valid"`
	Subject   string `json:"subject,omitempty"`
	Role      string `json:"role,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // Unix milliseconds
	Error     string `json:"error,omitempty"`
}

// handleAuthVerify responds to POST /auth/verify.
//
// The endpoint is unauthenticated: its whole purpose is to tell a caller
// whether a token it holds is still good. Invalid tokens yield HTTP 200 with
// valid=false and a stable error code, not 401, so clients can distinguish
// "your token is bad" from "your request is bad".
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "body must be JSON with a non-empty 'token' field")
		return
	}

	claims, err := s.verifier.Verify(req.Token)
	if err != nil {
		s.metrics.AuthFailures.Add(1)
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false, Error: verifyErrorCode(err)})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:     true,
		Subject:   claims.Subject,
		Role:      string(claims.Role),
		ExpiresAt: claims.ExpiresAt.UnixMilli(),
	})
}

func verifyErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return protocol.CodeTokenExpired
	case errors.Is(err, auth.ErrTokenBlacklisted):
		return protocol.CodeTokenBlacklisted
	default:
		return protocol.CodeAuthFailed
	}
}

// ─── POST /agents/{id}/execute ───────────────────────────────────────────────

type executeRequest struct {
	Command     string                         `json:"command"`
	Args        []string                       `json:"args,omitempty"`
	Type        string                         `json:"type,omitempty"`
	Priority    int                            `json:"priority"`
	Constraints *protocol.ExecutionConstraints `json:"executionConstraints,omitempty"`
}

type executeResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Position  int    `json:"position"`
}

// handleExecute responds to POST /agents/{id}/execute.
//
// Submits a command targeted at the agent in the path. Requires the
// command:execute capability. Returns HTTP 202 with the command id and its
// 1-based queue position.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.authz.Can(claims.Subject, claims.Role, auth.ActionCommandExecute) {
		writeJSONError(w, http.StatusForbidden, "command:execute requires a higher role")
		return
	}

	agentID := chi.URLParam(r, "id")
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}
	if req.Command == "" {
		writeJSONError(w, http.StatusBadRequest, "'command' is required")
		return
	}

	cmd := &dispatch.Command{
		Content:  req.Command,
		Args:     req.Args,
		Type:     req.Type,
		Priority: req.Priority,
		AgentID:  agentID,
		UserID:   claims.Subject,
	}
	if req.Constraints != nil {
		cmd.Constraints = *req.Constraints
	}

	entry, err := s.disp.Submit(r.Context(), cmd)
	if err != nil {
		s.metrics.SubmitErrors.Add(1)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			writeJSONError(w, http.StatusTooManyRequests, "command queue is full")
		case errors.Is(err, dispatch.ErrNoAgent):
			writeJSONError(w, http.StatusServiceUnavailable, "agent is not connected")
		case errors.Is(err, dispatch.ErrHalted):
			writeJSONError(w, http.StatusServiceUnavailable, "emergency stop in progress")
		case errors.Is(err, queue.ErrPriorityRange):
			writeJSONError(w, http.StatusBadRequest, "priority must be between 0 and 100")
		default:
			s.logger.Error("rest: submit failed",
				slog.String("agent_id", agentID), slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "failed to submit command")
		}
		return
	}
	s.metrics.CommandsSubmitted.Add(1)

	writeJSON(w, http.StatusAccepted, executeResponse{
		CommandID: entry.CommandID,
		Status:    string(dispatch.StatusQueued),
		Position:  entry.Position,
	})
}

// ─── GET /agents/{id}/status ─────────────────────────────────────────────────

type agentStatusResponse struct {
	AgentID     string `json:"agentId"`
	Connected   bool   `json:"connected"`
	Status      string `json:"status"`
	HealthScore int    `json:"healthScore,omitempty"`
	QueueLength int    `json:"queueLength"`
	Executing   string `json:"executing,omitempty"`
	LastPing    int64  `json:"lastPing,omitempty"` // Unix milliseconds
}

// handleAgentStatus responds to GET /agents/{id}/status.
//
// Combines the live view (registry, dispatcher, queue) with the persisted
// agent row when a store is configured. Returns 404 for an agent the control
// plane has never seen.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	resp := agentStatusResponse{AgentID: agentID, Status: string(store.AgentOffline)}

	if conn := s.reg.GetAgent(agentID); conn != nil {
		resp.Connected = true
		resp.Status = string(store.AgentOnline)
	}

	if n, err := s.q.Len(r.Context(), agentID); err == nil {
		resp.QueueLength = n
	}

	for _, id := range s.disp.Executing() {
		if cmd := s.disp.Command(id); cmd != nil && cmd.AgentID == agentID {
			resp.Executing = id
			break
		}
	}

	known := resp.Connected
	if s.st != nil {
		a, err := s.st.GetAgent(r.Context(), agentID)
		switch {
		case err == nil:
			known = true
			if !resp.Connected {
				resp.Status = string(a.Status)
			}
			resp.HealthScore = a.HealthScore
			if a.LastPing != nil {
				resp.LastPing = a.LastPing.UnixMilli()
			}
		case errors.Is(err, pgx.ErrNoRows):
			// Not persisted; the live view decides whether the agent exists.
		default:
			s.logger.Error("rest: load agent",
				slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}

	if !known {
		writeJSONError(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── GET /commands ───────────────────────────────────────────────────────────

// handleListCommands responds to GET /commands.
//
// Supported query parameters:
//
//	agent_id – exact agent id filter (optional)
//	user_id  – submitting user filter (optional)
//	status   – lifecycle status filter, e.g. EXECUTING (optional)
//	limit    – maximum number of results (default 100, max 1000)
//	offset   – pagination offset (default 0)
//
// Returns HTTP 400 when parameters are malformed and HTTP 200 with a JSON
// array of command records on success.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "command history requires the durable store")
		return
	}
	q := r.URL.Query()

	cq := store.CommandQuery{
		AgentID: q.Get("agent_id"),
		UserID:  q.Get("user_id"),
		Status:  q.Get("status"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		cq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeJSONError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		cq.Offset = offset
	}

	commands, err := s.st.ListCommands(r.Context(), cq)
	if err != nil {
		s.logger.Error("rest: list commands", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query commands")
		return
	}

	// Ensure we always return a JSON array, not null.
	if commands == nil {
		commands = []store.Command{}
	}
	writeJSON(w, http.StatusOK, commands)
}

// ─── GET /presets ────────────────────────────────────────────────────────────

// handleListPresets responds to GET /presets with all saved command presets.
func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	if s.st == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "presets require the durable store")
		return
	}
	presets, err := s.st.ListPresets(r.Context())
	if err != nil {
		s.logger.Error("rest: list presets", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query presets")
		return
	}
	if presets == nil {
		presets = []store.CommandPreset{}
	}
	writeJSON(w, http.StatusOK, presets)
}

// ─── Health probes ───────────────────────────────────────────────────────────

// handleHealthLive responds to GET /health/live.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealthReady responds to GET /health/ready.
//
// Each dependency is probed independently so operators can see which one is
// failing. The endpoint returns 503 as soon as any service reports an error.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"registry": "ok",
		"queue":    "ok",
	}
	healthy := true

	// Queue readiness is a cheap read of the global depth.
	_ = s.q.Depth()

	if s.st != nil {
		if err := s.st.Ping(ctx); err != nil {
			services["store"] = "error: " + err.Error()
			healthy = false
		} else {
			services["store"] = "ok"
		}
	}

	status := http.StatusOK
	resp := readyResponse{Status: "ready", Services: services}
	if !healthy {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
