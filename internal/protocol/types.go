// Package protocol defines the wire protocol spoken between agents,
// dashboards, and the Onsembl control plane: the JSON envelope, the closed set
// of message types, per-type payload schemas, validation rules, and optional
// payload compression.
//
// # Envelope
//
// Every frame on the wire is a JSON envelope:
//
//	{ "id": "<uuid>", "type": "<TYPE>", "timestamp": <ms>, "payload": { ... } }
//
// id correlates ACK/ERROR responses back to the originating message,
// timestamp is Unix milliseconds, and payload is a type-specific object.
//
// # Validation
//
// Decode enforces three rules on every inbound frame: the raw message must be
// at most MaxMessageSize bytes, the timestamp must be within MaxClockSkew of
// the decoder's clock, and the payload must conform to the schema for its
// type. Violations are reported as *ValidationError carrying the offending
// message id so the caller can emit an ERROR envelope with
// originalMessageId set.
package protocol

import "encoding/json"

// MessageType identifies one member of the closed message-type set. The
// decoder rejects any type not listed below.
type MessageType string

// Agent → server.
const (
	TypeAgentConnect        MessageType = "AGENT_CONNECT"
	TypeAgentHeartbeat      MessageType = "AGENT_HEARTBEAT"
	TypeCommandAck          MessageType = "COMMAND_ACK"
	TypeTerminalOutput      MessageType = "TERMINAL_OUTPUT"
	TypeTraceEvent          MessageType = "TRACE_EVENT"
	TypeCommandComplete     MessageType = "COMMAND_COMPLETE"
	TypeInvestigationReport MessageType = "INVESTIGATION_REPORT"
	TypeAgentError          MessageType = "AGENT_ERROR"
)

// Server → agent.
const (
	TypeCommandRequest  MessageType = "COMMAND_REQUEST"
	TypeCommandCancel   MessageType = "COMMAND_CANCEL"
	TypeAgentControl    MessageType = "AGENT_CONTROL"
	TypeTokenRefresh    MessageType = "TOKEN_REFRESH"
	TypeServerHeartbeat MessageType = "SERVER_HEARTBEAT"
)

// Server → dashboard.
const (
	TypeAgentStatus    MessageType = "AGENT_STATUS"
	TypeCommandStatus  MessageType = "COMMAND_STATUS"
	TypeTerminalStream MessageType = "TERMINAL_STREAM"
	TypeTraceUpdate    MessageType = "TRACE_UPDATE"
	TypeEmergencyStop  MessageType = "EMERGENCY_STOP"
	TypeAck            MessageType = "ACK"
	TypeError          MessageType = "ERROR"
)

// Dashboard → server. COMMAND_REQUEST and EMERGENCY_STOP are shared with the
// server→agent and server→dashboard groups above.
const (
	TypeDashboardInit MessageType = "DASHBOARD_INIT"
	TypePing          MessageType = "PING"
)

// TypeCompressed is the wrapper type produced by the compression layer. It is
// not a member of the closed set accepted by Decode; callers unwrap it with
// Decompress before decoding.
const TypeCompressed MessageType = "compressed"

// knownTypes is the closed set accepted by the codec.
var knownTypes = map[MessageType]bool{
	TypeAgentConnect: true, TypeAgentHeartbeat: true, TypeCommandAck: true,
	TypeTerminalOutput: true, TypeTraceEvent: true, TypeCommandComplete: true,
	TypeInvestigationReport: true, TypeAgentError: true,
	TypeCommandRequest: true, TypeCommandCancel: true, TypeAgentControl: true,
	TypeTokenRefresh: true, TypeServerHeartbeat: true,
	TypeAgentStatus: true, TypeCommandStatus: true, TypeTerminalStream: true,
	TypeTraceUpdate: true, TypeEmergencyStop: true, TypeAck: true, TypeError: true,
	TypeDashboardInit: true, TypePing: true,
}

// Known reports whether t is a member of the closed message-type set.
func Known(t MessageType) bool { return knownTypes[t] }

// Envelope is the standard message wrapper for every frame on the wire.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`
}

// ─── Payload schemas ─────────────────────────────────────────────────────────

// AgentConnectPayload announces an agent after the WebSocket upgrade. Agents
// that do not send it within the init deadline are closed with 1008.
type AgentConnectPayload struct {
	AgentID      string            `json:"agentId"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentHeartbeatPayload is the application-level liveness beacon, distinct
// from WebSocket ping/pong.
type AgentHeartbeatPayload struct {
	AgentID string `json:"agentId"`
	// Health is an optional 0–100 score used for untargeted agent selection.
	Health int `json:"health,omitempty"`
}

// CommandAckPayload acknowledges receipt of a COMMAND_REQUEST.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // "executing" or "rejected"
	Reason    string `json:"reason,omitempty"`
}

// TerminalOutputPayload carries one chunk of captured stdio. Sequence numbers
// are assigned by the sender and increase strictly per (commandId, stream).
type TerminalOutputPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Content   string `json:"content"`
	Sequence  int64  `json:"sequence"`
}

// TraceEventPayload is one node of the LLM trace forest rooted at a command.
type TraceEventPayload struct {
	CommandID     string `json:"commandId"`
	AgentID       string `json:"agentId"`
	TraceID       string `json:"traceId"`
	ParentTraceID string `json:"parentTraceId,omitempty"`
	Kind          string `json:"kind"` // "request", "response", or "error"
	Model         string `json:"model,omitempty"`
	InputTokens   int    `json:"inputTokens,omitempty"`
	OutputTokens  int    `json:"outputTokens,omitempty"`
	Excerpt       string `json:"excerpt,omitempty"`
}

// CommandCompletePayload reports the terminal outcome of a command.
type CommandCompletePayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // "completed", "failed", or "cancelled"
	ExitCode  int    `json:"exitCode"`
	Error     string `json:"error,omitempty"`
}

// InvestigationReportPayload is a structured findings document produced by an
// agent, persisted verbatim by the store.
type InvestigationReportPayload struct {
	AgentID   string          `json:"agentId"`
	CommandID string          `json:"commandId,omitempty"`
	Title     string          `json:"title"`
	Report    json.RawMessage `json:"report"`
}

// AgentErrorPayload reports an agent-side fault outside any command.
type AgentErrorPayload struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// ExecutionConstraints bound a command's execution on the agent.
type ExecutionConstraints struct {
	TimeLimitMs int64 `json:"timeLimitMs,omitempty"`
	TokenBudget int64 `json:"tokenBudget,omitempty"`
}

// CommandRequestPayload is sent by dashboards to submit a command and by the
// server to dispatch it to an agent.
type CommandRequestPayload struct {
	CommandID   string                `json:"commandId,omitempty"`
	AgentID     string                `json:"agentId,omitempty"`
	Command     string                `json:"command"`
	Args        []string              `json:"args,omitempty"`
	Type        string                `json:"type,omitempty"`
	Priority    int                   `json:"priority"`
	Constraints *ExecutionConstraints `json:"executionConstraints,omitempty"`
}

// CommandCancelPayload instructs an agent to stop a command.
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// AgentControlPayload carries an out-of-band control verb ("pause", "resume",
// "shutdown") for one agent.
type AgentControlPayload struct {
	AgentID string `json:"agentId"`
	Action  string `json:"action"`
}

// TokenRefreshPayload rotates the agent's access token in-band, without
// tearing down the connection.
type TokenRefreshPayload struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"` // Unix milliseconds
}

// ServerHeartbeatPayload is the server's application-level beacon to agents.
type ServerHeartbeatPayload struct {
	ServerTime int64 `json:"serverTime"` // Unix milliseconds
}

// AgentStatusPayload notifies dashboards of an agent status transition.
type AgentStatusPayload struct {
	AgentID  string `json:"agentId"`
	Status   string `json:"status"` // "offline", "connecting", "online", "error"
	LastPing int64  `json:"lastPing,omitempty"`
}

// CommandStatusPayload notifies dashboards of a command lifecycle transition.
type CommandStatusPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Status    string `json:"status"`
	Position  int    `json:"position,omitempty"` // 1-based queue position, when QUEUED
	Reason    string `json:"reason,omitempty"`
}

// TerminalStreamPayload is the dashboard-facing form of TerminalOutputPayload.
type TerminalStreamPayload = TerminalOutputPayload

// TraceUpdatePayload is the dashboard-facing form of TraceEventPayload.
type TraceUpdatePayload = TraceEventPayload

// EmergencyStopPayload halts the entire fleet. It flows dashboard→server and
// is fanned out server→agent and server→dashboard with the same shape.
type EmergencyStopPayload struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// AckPayload confirms successful processing of a dashboard message.
type AckPayload struct {
	OriginalMessageID string `json:"originalMessageId"`
	Detail            string `json:"detail,omitempty"`
}

// ErrorPayload is the standard error shape sent back to a connection.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Recoverable       bool   `json:"recoverable"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}

// Subscriptions is a dashboard's broadcast filter. Empty Agents/Commands
// combined with the corresponding All flag false means "nothing"; AllAgents
// or AllCommands true means "everything" for that dimension.
type Subscriptions struct {
	AllAgents   bool     `json:"allAgents"`
	Agents      []string `json:"agents,omitempty"`
	AllCommands bool     `json:"allCommands"`
	Commands    []string `json:"commands,omitempty"`
	Traces      bool     `json:"traces"`
	Terminals   bool     `json:"terminals"`
}

// DashboardInitPayload is the first message a dashboard must send after the
// WebSocket upgrade.
type DashboardInitPayload struct {
	UserID        string        `json:"userId"`
	Subscriptions Subscriptions `json:"subscriptions"`
}

// PingPayload is an application-level dashboard ping; the server answers with
// an ACK. Exempt from rate limiting.
type PingPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

// Error codes used in ErrorPayload.Code.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeTokenExpired      = "TOKEN_EXPIRED"
	CodeTokenBlacklisted  = "TOKEN_BLACKLISTED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeRateLimit         = "RATE_LIMIT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeInternalError     = "INTERNAL_ERROR"
)
