package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxMessageSize is the maximum serialized envelope size accepted on the
	// wire. Larger frames are rejected before the JSON decoder runs.
	MaxMessageSize = 1 << 20 // 1 MiB

	// MaxClockSkew bounds |now - envelope.timestamp|. Frames outside the
	// window are rejected to defeat replay of captured traffic.
	MaxClockSkew = 5 * time.Minute
)

// ValidationError describes why an inbound frame was rejected. Code is one of
// the CodeX constants and OriginalMessageID is the id of the offending frame
// when it could be parsed.
type ValidationError struct {
	Code              string
	Reason            string
	OriginalMessageID string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Reason)
}

// NewEnvelope builds an envelope around payload with a fresh UUID and the
// current timestamp. payload must be JSON-serialisable; marshal failures are
// returned unwrapped so callers can distinguish them from wire errors.
func NewEnvelope(typ MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", typ, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode serialises env to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Type, err)
	}
	if len(raw) > MaxMessageSize {
		return nil, &ValidationError{
			Code:              CodeValidationFailed,
			Reason:            fmt.Sprintf("encoded size %d exceeds %d", len(raw), MaxMessageSize),
			OriginalMessageID: env.ID,
		}
	}
	return raw, nil
}

// Decode parses and validates one inbound frame. now is the decoder's clock;
// pass time.Now() outside tests. All failures are *ValidationError.
func Decode(raw []byte, now time.Time) (*Envelope, error) {
	if len(raw) > MaxMessageSize {
		return nil, &ValidationError{
			Code:   CodeValidationFailed,
			Reason: fmt.Sprintf("message size %d exceeds %d", len(raw), MaxMessageSize),
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{
			Code:   CodeValidationFailed,
			Reason: "malformed JSON envelope",
		}
	}

	if env.ID == "" {
		return nil, &ValidationError{Code: CodeValidationFailed, Reason: "missing id"}
	}
	if !Known(env.Type) {
		return nil, &ValidationError{
			Code:              CodeValidationFailed,
			Reason:            fmt.Sprintf("unknown message type %q", env.Type),
			OriginalMessageID: env.ID,
		}
	}

	skew := now.UnixMilli() - env.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew.Milliseconds() {
		return nil, &ValidationError{
			Code:              CodeValidationFailed,
			Reason:            fmt.Sprintf("timestamp skew %dms exceeds %s", skew, MaxClockSkew),
			OriginalMessageID: env.ID,
		}
	}

	if err := validatePayload(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals env.Payload into dst, reporting schema failures as
// *ValidationError tied to the envelope id.
func DecodePayload(env *Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &ValidationError{
			Code:              CodeValidationFailed,
			Reason:            fmt.Sprintf("%s payload: %v", env.Type, err),
			OriginalMessageID: env.ID,
		}
	}
	return nil
}

// validatePayload checks the per-type schema. The switch is exhaustive over
// the closed type set; types whose payloads have no required fields fall
// through to a plain syntax check.
func validatePayload(env *Envelope) error {
	fail := func(reason string) error {
		return &ValidationError{
			Code:              CodeValidationFailed,
			Reason:            reason,
			OriginalMessageID: env.ID,
		}
	}

	switch env.Type {
	case TypeAgentConnect:
		var p AgentConnectPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return fail("AGENT_CONNECT requires agentId")
		}

	case TypeAgentHeartbeat:
		var p AgentHeartbeatPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" {
			return fail("AGENT_HEARTBEAT requires agentId")
		}

	case TypeCommandAck:
		var p CommandAckPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.Status == "" {
			return fail("COMMAND_ACK requires commandId and status")
		}

	case TypeTerminalOutput, TypeTerminalStream:
		var p TerminalOutputPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" {
			return fail(string(env.Type) + " requires commandId")
		}
		if p.Stream != "stdout" && p.Stream != "stderr" {
			return fail(string(env.Type) + " stream must be stdout or stderr")
		}
		if p.Sequence < 0 {
			return fail(string(env.Type) + " sequence must be non-negative")
		}

	case TypeTraceEvent, TypeTraceUpdate:
		var p TraceEventPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.TraceID == "" {
			return fail(string(env.Type) + " requires commandId and traceId")
		}
		switch p.Kind {
		case "request", "response", "error":
		default:
			return fail(string(env.Type) + " kind must be request, response, or error")
		}

	case TypeCommandComplete:
		var p CommandCompletePayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" {
			return fail("COMMAND_COMPLETE requires commandId")
		}
		switch p.Status {
		case "completed", "failed", "cancelled":
		default:
			return fail("COMMAND_COMPLETE status must be completed, failed, or cancelled")
		}

	case TypeInvestigationReport:
		var p InvestigationReportPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" || p.Title == "" {
			return fail("INVESTIGATION_REPORT requires agentId and title")
		}

	case TypeAgentError:
		var p AgentErrorPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" || p.Message == "" {
			return fail("AGENT_ERROR requires agentId and message")
		}

	case TypeCommandRequest:
		var p CommandRequestPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.Command == "" {
			return fail("COMMAND_REQUEST requires command")
		}

	case TypeCommandCancel:
		var p CommandCancelPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" {
			return fail("COMMAND_CANCEL requires commandId")
		}

	case TypeAgentControl:
		var p AgentControlPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" || p.Action == "" {
			return fail("AGENT_CONTROL requires agentId and action")
		}

	case TypeTokenRefresh:
		var p TokenRefreshPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AccessToken == "" {
			return fail("TOKEN_REFRESH requires accessToken")
		}

	case TypeEmergencyStop:
		var p EmergencyStopPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.Reason == "" {
			return fail("EMERGENCY_STOP requires reason")
		}

	case TypeDashboardInit:
		var p DashboardInitPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.UserID == "" {
			return fail("DASHBOARD_INIT requires userId")
		}

	case TypeAgentStatus:
		var p AgentStatusPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.AgentID == "" || p.Status == "" {
			return fail("AGENT_STATUS requires agentId and status")
		}

	case TypeCommandStatus:
		var p CommandStatusPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.CommandID == "" || p.Status == "" {
			return fail("COMMAND_STATUS requires commandId and status")
		}

	case TypeError:
		var p ErrorPayload
		if err := DecodePayload(env, &p); err != nil {
			return err
		}
		if p.Code == "" {
			return fail("ERROR requires code")
		}

	case TypeAck, TypeServerHeartbeat, TypePing:
		// Syntax-only: payload may be empty or any object.
		if len(env.Payload) > 0 && !json.Valid(env.Payload) {
			return fail(string(env.Type) + " payload is not valid JSON")
		}
	}

	return nil
}

// ErrorEnvelope builds a ready-to-send ERROR envelope. originalID may be
// empty when the offending frame could not be parsed far enough to recover
// its id.
func ErrorEnvelope(code, message string, recoverable bool, originalID string) *Envelope {
	env, _ := NewEnvelope(TypeError, ErrorPayload{
		Code:              code,
		Message:           message,
		Recoverable:       recoverable,
		OriginalMessageID: originalID,
	})
	return env
}

// AckEnvelope builds a ready-to-send ACK envelope for originalID.
func AckEnvelope(originalID, detail string) *Envelope {
	env, _ := NewEnvelope(TypeAck, AckPayload{
		OriginalMessageID: originalID,
		Detail:            detail,
	})
	return env
}
