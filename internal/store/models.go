// Package store provides the PostgreSQL-backed persistence layer for the
// control plane. It exposes typed model structs for the core tables (agents,
// commands, terminal_output, trace_entries, audit_records, command_presets,
// investigation_reports) and a Store that wraps a pgxpool connection pool
// with a batched terminal-output insert path.
package store

import (
	"encoding/json"
	"time"
)

// AgentStatus is the availability state persisted for an agent.
type AgentStatus string

const (
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentConnecting AgentStatus = "connecting"
	AgentError      AgentStatus = "error"
)

// Agent maps to the `agents` table.
//
// LastPing is nil when the agent has never sent a heartbeat.
// Metadata carries the raw JSONB capability document from AGENT_CONNECT and
// round-trips without modification.
type Agent struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name,omitempty"`
	Type        string          `json:"type,omitempty"` // e.g. "claude", "gemini", "codex"
	Version     string          `json:"version,omitempty"`
	Status      AgentStatus     `json:"status"`
	HealthScore int             `json:"health_score"`
	LastPing    *time.Time      `json:"last_ping,omitempty"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Command maps to the `commands` table. Status mirrors the dispatcher's
// lifecycle strings (PENDING, QUEUED, EXECUTING, COMPLETED, FAILED,
// CANCELLED).
type Command struct {
	CommandID  string     `json:"command_id"`
	AgentID    string     `json:"agent_id"`
	UserID     string     `json:"user_id"`
	Content    string     `json:"content"`
	Args       []string   `json:"args,omitempty"`
	Type       string     `json:"type,omitempty"`
	Priority   int        `json:"priority"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TerminalChunk maps to the `terminal_output` table. Sequence is the
// sender-assigned ordering key, strictly increasing per (command_id, stream).
type TerminalChunk struct {
	CommandID string    `json:"command_id"`
	AgentID   string    `json:"agent_id"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Content   string    `json:"content"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// TraceEntry maps to the `trace_entries` table, one row per LLM call span.
type TraceEntry struct {
	TraceID   string          `json:"trace_id"`
	SpanID    string          `json:"span_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	CommandID string          `json:"command_id,omitempty"`
	Name      string          `json:"name"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// CommandPreset maps to the `command_presets` table: a saved, reusable
// command template.
type CommandPreset struct {
	PresetID  string    `json:"preset_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Args      []string  `json:"args,omitempty"`
	Type      string    `json:"type,omitempty"`
	Priority  int       `json:"priority"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// InvestigationReport maps to the `investigation_reports` table. Content is
// the agent-produced findings document, persisted verbatim as JSONB.
type InvestigationReport struct {
	ReportID  string          `json:"report_id"`
	AgentID   string          `json:"agent_id"`
	CommandID string          `json:"command_id,omitempty"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// TerminalQuery carries the filter and pagination parameters for
// QueryTerminal. AfterSequence enables cursor-style replay: only chunks with
// Sequence > AfterSequence are returned, ordered by sequence ascending.
// Limit defaults to 500 when <= 0.
type TerminalQuery struct {
	CommandID     string
	Stream        string // empty == both streams
	AfterSequence int64
	Limit         int
}

// CommandQuery filters ListCommands. Empty fields match everything.
// Limit defaults to 100 when <= 0.
type CommandQuery struct {
	AgentID string
	UserID  string
	Status  string
	Limit   int
	Offset  int
}
