// Package liveness watches agent heartbeats and expires agents that go
// silent. An agent that has not produced an AGENT_HEARTBEAT (or any frame
// that counts as activity) within the timeout is marked offline, its socket
// is closed, and the command it was executing is handed back to the
// dispatcher's disconnect policy.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

// AgentStore persists agent availability flips.
type AgentStore interface {
	UpdateAgentStatus(ctx context.Context, agentID, status string) error
}

// Handler reacts to an expired agent. The dispatcher implements it.
type Handler interface {
	AgentDisconnected(ctx context.Context, agentID string)
}

// Notifier fans AGENT_STATUS updates out to dashboards.
type Notifier interface {
	Publish(ev broadcast.Event) int
}

// Config tunes the monitor.
type Config struct {
	// Interval between sweeps. Default 30s.
	Interval time.Duration
	// Timeout after which a silent agent is expired. Default 90s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
}

// Monitor tracks per-agent heartbeat times. Beat is called by the hub on
// every AGENT_HEARTBEAT; Forget on clean disconnect so expiry does not fire
// a second time.
type Monitor struct {
	cfg      Config
	reg      *registry.Registry
	store    AgentStore // may be nil
	handler  Handler
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	mu       sync.Mutex
	lastBeat map[string]time.Time
}

// New creates a Monitor.
func New(cfg Config, reg *registry.Registry, store AgentStore, handler Handler, notifier Notifier, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		handler:  handler,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		lastBeat: make(map[string]time.Time),
	}
}

// Beat records a heartbeat for agentID.
func (m *Monitor) Beat(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBeat[agentID] = m.clock.Now()
}

// Forget drops agentID from tracking. Called on clean disconnect.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastBeat, agentID)
}

// Run sweeps until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep(ctx)
		}
	}
}

// Sweep expires every tracked agent whose last heartbeat is older than the
// timeout. Agents with no recorded heartbeat yet are left alone; the hub
// records the first beat at connect time.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for agentID, last := range m.lastBeat {
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > m.cfg.Timeout {
			expired = append(expired, agentID)
			delete(m.lastBeat, agentID)
		}
	}
	m.mu.Unlock()

	for _, agentID := range expired {
		m.expire(ctx, agentID)
	}
}

func (m *Monitor) expire(ctx context.Context, agentID string) {
	m.logger.Warn("liveness: agent heartbeat timeout",
		slog.String("agent_id", agentID),
		slog.Duration("timeout", m.cfg.Timeout))

	if conn := m.reg.GetAgent(agentID); conn != nil {
		conn.Socket.Close(1000, "heartbeat timeout")
		m.reg.Remove(conn.ID)
	}
	if m.store != nil {
		if err := m.store.UpdateAgentStatus(ctx, agentID, "offline"); err != nil {
			m.logger.Error("liveness: persist offline status",
				slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}
	if m.handler != nil {
		m.handler.AgentDisconnected(ctx, agentID)
	}
	if m.notifier != nil {
		env, err := protocol.NewEnvelope(protocol.TypeAgentStatus, protocol.AgentStatusPayload{
			AgentID: agentID,
			Status:  "offline",
		})
		if err == nil {
			m.notifier.Publish(broadcast.Event{
				Type:     protocol.TypeAgentStatus,
				AgentID:  agentID,
				Envelope: env,
			})
		}
	}
}
