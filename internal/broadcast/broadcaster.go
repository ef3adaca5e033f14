// Package broadcast fans control-plane events out to subscribed dashboard
// connections. The Broadcaster resolves its target set through the connection
// registry at send time, serialises each event exactly once (optionally
// compressed), and hands the bytes to every target's outbound queue with a
// non-blocking enqueue, so one slow or closed socket never delays the rest.
//
// Ordering: delivery to a single destination preserves submission order
// because each connection's outbound queue is FIFO and Publish enqueues
// synchronously. There is no cross-connection ordering guarantee.
package broadcast

import (
	"log/slog"
	"sync/atomic"

	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

// Event is one typed occurrence to fan out. AgentID and CommandID drive
// subscription-filter evaluation; Envelope is the message to deliver.
type Event struct {
	Type      protocol.MessageType
	AgentID   string
	CommandID string
	Envelope  *protocol.Envelope
}

// Broadcaster fans events to dashboards. Safe for concurrent use.
type Broadcaster struct {
	reg        *registry.Registry
	compressor *protocol.Compressor // nil disables compression
	logger     *slog.Logger

	// Delivered and Dropped count per-message delivery outcomes across all
	// connections. Dropped increments produce a broadcast:dropped log line.
	Delivered atomic.Int64
	Dropped   atomic.Int64
}

// New creates a Broadcaster. compressor may be nil to disable the wire
// compression policy.
func New(reg *registry.Registry, compressor *protocol.Compressor, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, compressor: compressor, logger: logger}
}

// Publish delivers ev to every dashboard connection whose subscription filter
// matches. It returns the number of connections the message was enqueued to.
func (b *Broadcaster) Publish(ev Event) int {
	raw, err := protocol.Encode(ev.Envelope)
	if err != nil {
		b.logger.Error("broadcast: encode failed",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
		return 0
	}

	if b.compressor != nil {
		wire, _, err := b.compressor.Maybe(raw, ev.Type)
		if err != nil {
			b.logger.Error("broadcast: compress failed",
				slog.String("type", string(ev.Type)),
				slog.Any("error", err),
			)
		} else {
			raw = wire
		}
	}

	sent := 0
	for _, conn := range b.reg.All(registry.KindDashboard) {
		if !b.matches(conn, ev) {
			continue
		}
		if conn.Socket.Enqueue(raw) {
			sent++
			b.Delivered.Add(1)
		} else {
			b.Dropped.Add(1)
			b.logger.Warn("broadcast: dropped",
				slog.String("conn_id", conn.ID),
				slog.String("type", string(ev.Type)),
			)
		}
	}
	return sent
}

// ToAgents delivers env to every connected agent (used by the emergency-stop
// coordinator and the server heartbeat). Returns the number enqueued.
func (b *Broadcaster) ToAgents(env *protocol.Envelope) int {
	raw, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error("broadcast: encode failed",
			slog.String("type", string(env.Type)),
			slog.Any("error", err),
		)
		return 0
	}

	sent := 0
	for _, conn := range b.reg.All(registry.KindAgent) {
		if conn.Socket.Enqueue(raw) {
			sent++
		} else {
			b.Dropped.Add(1)
		}
	}
	return sent
}

// matches evaluates conn's subscription filter against ev at broadcast time.
// A dashboard with no recorded filter (init not yet processed) receives
// nothing; EMERGENCY_STOP bypasses filtering entirely.
func (b *Broadcaster) matches(conn *registry.Conn, ev Event) bool {
	if ev.Type == protocol.TypeEmergencyStop {
		return true
	}

	subs, ok := b.reg.Subscriptions(conn.ID).(protocol.Subscriptions)
	if !ok {
		return false
	}

	switch ev.Type {
	case protocol.TypeTerminalStream:
		if !subs.Terminals {
			return false
		}
	case protocol.TypeTraceUpdate:
		if !subs.Traces {
			return false
		}
	}

	if ev.AgentID != "" && !subs.AllAgents && !contains(subs.Agents, ev.AgentID) {
		return false
	}
	if ev.CommandID != "" {
		// Command-scoped events pass when either dimension matches: a
		// dashboard watching agent-x sees every command on agent-x.
		if !subs.AllCommands && !contains(subs.Commands, ev.CommandID) {
			if ev.AgentID == "" || (!subs.AllAgents && !contains(subs.Agents, ev.AgentID)) {
				return false
			}
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
