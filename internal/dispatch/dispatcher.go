package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
	"github.com/tdoan35/onsembl-sub008/internal/queue"
	"github.com/tdoan35/onsembl-sub008/internal/registry"
)

// Publisher is the broadcaster surface the dispatcher needs.
type Publisher interface {
	Publish(ev broadcast.Event) int
	ToAgents(env *protocol.Envelope) int
}

// Recorder receives audit entries for command lifecycle transitions. The
// audit sink implements it.
type Recorder interface {
	Record(eventType, subjectID string, details map[string]any)
}

// CommandStore is the slice of the durable store the dispatcher writes
// through to.
type CommandStore interface {
	UpdateCommandStatus(ctx context.Context, commandID string, status, reason string) error
}

// Submit errors mapped to wire codes by the hub.
var (
	// ErrNoAgent means no specific agent was named and none is available.
	ErrNoAgent = errors.New("dispatch: no agent available")
	// ErrHalted is returned after an emergency stop drained the system and
	// before the coordinator re-admits traffic.
	ErrHalted = errors.New("dispatch: emergency stop in progress")
)

// Config tunes the dispatcher.
type Config struct {
	// MaxAttempts bounds dispatch retries per command. Default 3.
	MaxAttempts int
	// CancelGrace is how long an agent has to confirm a COMMAND_CANCEL
	// before the command is forcibly CANCELLED. Default 5s.
	CancelGrace time.Duration
	// RetryBase is the first transient-retry delay; doubles per attempt.
	// Default 1s.
	RetryBase time.Duration
	// SweepInterval is how often Run checks deadlines. Default 500ms.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
}

// Dispatcher owns command lifecycle state and the per-agent availability
// view. All mutating entry points take the dispatcher mutex; no lock is held
// across a store or socket call that can block.
type Dispatcher struct {
	cfg    Config
	q      *queue.Queue
	reg    *registry.Registry
	pub    Publisher
	store  CommandStore // may be nil in tests
	audit  Recorder     // may be nil
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	commands map[string]*Command
	agents   map[string]*agentState
	// retryAt delays re-dispatch to an agent after a transient send failure.
	retryAt map[string]time.Time
	halted  bool
}

// New creates a Dispatcher.
func New(cfg Config, q *queue.Queue, reg *registry.Registry, pub Publisher, store CommandStore, audit Recorder, clock clockwork.Clock, logger *slog.Logger) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		cfg:      cfg,
		q:        q,
		reg:      reg,
		pub:      pub,
		store:    store,
		audit:    audit,
		clock:    clock,
		logger:   logger,
		commands: make(map[string]*Command),
		agents:   make(map[string]*agentState),
		retryAt:  make(map[string]time.Time),
	}
}

// Run drives deadline sweeps (cancel grace, execution time limits, dispatch
// retries) until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.Sweep(ctx)
		}
	}
}

// Submit admits a command: PENDING → QUEUED, a COMMAND_STATUS broadcast with
// the queue position, and a dispatch attempt if the target agent is idle.
// When cmd.AgentID is empty an agent is selected by (healthScore DESC,
// queueLength ASC).
func (d *Dispatcher) Submit(ctx context.Context, cmd *Command) (*queue.Entry, error) {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return nil, ErrHalted
	}
	if cmd.AgentID == "" {
		agentID, err := d.selectAgentLocked(ctx)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		cmd.AgentID = agentID
	}
	cmd.Status = StatusPending
	cmd.CreatedAt = d.clock.Now()
	cmd.Priority = queue.ClampPriority(cmd.Priority)
	d.commands[cmd.ID] = cmd
	d.mu.Unlock()

	entry, err := d.q.Enqueue(ctx, cmd.ID, cmd.AgentID, cmd.Priority, time.Duration(cmd.Constraints.TimeLimitMs)*time.Millisecond)
	if err != nil {
		d.mu.Lock()
		delete(d.commands, cmd.ID)
		d.mu.Unlock()
		return nil, err
	}

	d.setStatus(ctx, cmd, StatusQueued, "", entry.Position)
	d.TryDispatch(ctx, cmd.AgentID)
	return entry, nil
}

// AgentConnected marks agentID available and dispatches any queued work.
func (d *Dispatcher) AgentConnected(ctx context.Context, agentID string, healthScore int) {
	d.mu.Lock()
	st := d.agentLocked(agentID)
	st.healthScore = healthScore
	if st.executing == "" {
		st.availability = AgentAvailable
	} else {
		st.availability = AgentBusy
	}
	d.mu.Unlock()
	d.TryDispatch(ctx, agentID)
}

// AgentHeartbeat refreshes the agent's health score used for selection.
func (d *Dispatcher) AgentHeartbeat(agentID string, healthScore int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if healthScore > 0 {
		d.agentLocked(agentID).healthScore = healthScore
	}
}

// AgentDisconnected handles an agent drop. A command EXECUTING on it is
// requeued with its original priority while attempts remain, otherwise it is
// FAILED with reason agent_disconnected.
func (d *Dispatcher) AgentDisconnected(ctx context.Context, agentID string) {
	d.mu.Lock()
	st := d.agentLocked(agentID)
	st.availability = AgentOffline
	cmdID := st.executing
	st.executing = ""
	var cmd *Command
	if cmdID != "" {
		cmd = d.commands[cmdID]
	}
	d.mu.Unlock()

	if cmd == nil {
		return
	}
	d.failOrRequeue(ctx, cmd, "agent_disconnected")
}

// HandleAck processes COMMAND_ACK. status "executing" moves the command to
// EXECUTING; anything else fails it.
func (d *Dispatcher) HandleAck(ctx context.Context, p protocol.CommandAckPayload) {
	d.mu.Lock()
	cmd := d.commands[p.CommandID]
	d.mu.Unlock()
	if cmd == nil || Terminal(cmd.Status) {
		return
	}

	if p.Status == "executing" {
		d.setStatus(ctx, cmd, StatusExecuting, "", 0)
		return
	}

	d.mu.Lock()
	if st, ok := d.agents[cmd.AgentID]; ok && st.executing == cmd.ID {
		st.executing = ""
		if st.availability == AgentBusy {
			st.availability = AgentAvailable
		}
	}
	d.mu.Unlock()
	d.setStatus(ctx, cmd, StatusFailed, "rejected: "+p.Reason, 0)
	d.TryDispatch(ctx, cmd.AgentID)
}

// HandleComplete processes COMMAND_COMPLETE and frees the agent for its next
// queued command.
func (d *Dispatcher) HandleComplete(ctx context.Context, p protocol.CommandCompletePayload) {
	d.mu.Lock()
	cmd := d.commands[p.CommandID]
	var agentID string
	if cmd != nil {
		agentID = cmd.AgentID
		if st, ok := d.agents[agentID]; ok && st.executing == cmd.ID {
			st.executing = ""
			if st.availability == AgentBusy {
				st.availability = AgentAvailable
			}
		}
	}
	d.mu.Unlock()
	if cmd == nil || Terminal(cmd.Status) {
		return
	}

	switch p.Status {
	case "completed":
		if p.ExitCode == 0 {
			d.setStatus(ctx, cmd, StatusCompleted, "", 0)
		} else {
			d.setStatus(ctx, cmd, StatusFailed, fmt.Sprintf("exit code %d", p.ExitCode), 0)
		}
	case "failed":
		d.setStatus(ctx, cmd, StatusFailed, p.Error, 0)
	case "cancelled":
		d.setStatus(ctx, cmd, StatusCancelled, cmd.cancelReason, 0)
	}

	d.TryDispatch(ctx, agentID)
}

// Interrupt cancels the command currently associated with agentID: an
// EXECUTING command gets a COMMAND_CANCEL with a confirmation deadline, a
// QUEUED command is removed from the queue and marked CANCELLED immediately.
func (d *Dispatcher) Interrupt(ctx context.Context, commandID, reason string) error {
	d.mu.Lock()
	cmd := d.commands[commandID]
	d.mu.Unlock()
	if cmd == nil {
		return queue.ErrNotFound
	}

	switch cmd.Status {
	case StatusExecuting:
		d.sendCancel(ctx, cmd, reason)
		return nil
	case StatusQueued, StatusPending:
		if err := d.q.Remove(ctx, commandID); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return err
		}
		d.mu.Lock()
		if st, ok := d.agents[cmd.AgentID]; ok && st.executing == cmd.ID {
			// Dispatched but not yet acked; free the slot.
			st.executing = ""
			if st.availability == AgentBusy {
				st.availability = AgentAvailable
			}
		}
		d.mu.Unlock()
		d.setStatus(ctx, cmd, StatusCancelled, reason, 0)
		return nil
	default:
		return fmt.Errorf("dispatch: command %s already %s", commandID, cmd.Status)
	}
}

// InterruptAgent cancels whatever agentID is executing, if anything.
func (d *Dispatcher) InterruptAgent(ctx context.Context, agentID, reason string) error {
	d.mu.Lock()
	var cmdID string
	if st, ok := d.agents[agentID]; ok {
		cmdID = st.executing
	}
	d.mu.Unlock()
	if cmdID == "" {
		return fmt.Errorf("dispatch: agent %s has no executing command", agentID)
	}
	return d.Interrupt(ctx, cmdID, reason)
}

// Command returns the live command with id, or nil.
func (d *Dispatcher) Command(id string) *Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[id]
}

// Executing returns the ids of all currently EXECUTING commands.
func (d *Dispatcher) Executing() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, cmd := range d.commands {
		if cmd.Status == StatusExecuting {
			out = append(out, id)
		}
	}
	return out
}

// TryDispatch pops and sends the next queued command for agentID if the
// agent is available. On a transient send failure the entry is requeued and
// the agent backs off; attempts exhausting MaxAttempts fail the command.
func (d *Dispatcher) TryDispatch(ctx context.Context, agentID string) {
	for {
		d.mu.Lock()
		st := d.agentLocked(agentID)
		if d.halted || st.availability != AgentAvailable || st.executing != "" {
			d.mu.Unlock()
			return
		}
		if until, ok := d.retryAt[agentID]; ok && d.clock.Now().Before(until) {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		entry, err := d.q.Dequeue(ctx, agentID)
		if errors.Is(err, queue.ErrNotFound) {
			return
		}
		if err != nil {
			d.logger.Error("dispatch: dequeue failed",
				slog.String("agent_id", agentID), slog.Any("error", err))
			return
		}

		d.mu.Lock()
		cmd := d.commands[entry.CommandID]
		d.mu.Unlock()
		if cmd == nil || Terminal(cmd.Status) {
			// Cancelled while queued under a stale entry; skip it.
			continue
		}

		if d.sendRequest(cmd) {
			d.mu.Lock()
			st = d.agentLocked(agentID)
			st.executing = cmd.ID
			st.availability = AgentBusy
			delete(d.retryAt, agentID)
			cmd.Attempts++
			d.mu.Unlock()
			return
		}

		// Transient send failure: requeue with original priority and back
		// off, or fail once attempts are exhausted.
		d.mu.Lock()
		cmd.Attempts++
		attempts := cmd.Attempts
		d.mu.Unlock()

		if attempts >= d.cfg.MaxAttempts {
			d.setStatus(ctx, cmd, StatusFailed, "dispatch retries exhausted", 0)
			continue
		}
		if _, err := d.q.Enqueue(ctx, cmd.ID, cmd.AgentID, cmd.Priority, 0); err != nil {
			d.logger.Error("dispatch: requeue failed",
				slog.String("command_id", cmd.ID), slog.Any("error", err))
			d.setStatus(ctx, cmd, StatusFailed, "requeue failed", 0)
			continue
		}
		d.mu.Lock()
		d.retryAt[agentID] = d.clock.Now().Add(d.cfg.RetryBase << (attempts - 1))
		d.mu.Unlock()
		return
	}
}

// Sweep enforces cancel-confirmation deadlines, per-command execution time
// limits, and elapsed dispatch backoffs. Called periodically by Run and
// directly by tests.
func (d *Dispatcher) Sweep(ctx context.Context) {
	now := d.clock.Now()

	d.mu.Lock()
	var forceCancel, timedOut []*Command
	for _, cmd := range d.commands {
		if Terminal(cmd.Status) {
			continue
		}
		if !cmd.cancelDeadline.IsZero() && now.After(cmd.cancelDeadline) {
			forceCancel = append(forceCancel, cmd)
			continue
		}
		if cmd.Status == StatusExecuting && cmd.Constraints.TimeLimitMs > 0 && cmd.cancelDeadline.IsZero() {
			limit := time.Duration(cmd.Constraints.TimeLimitMs) * time.Millisecond
			if now.Sub(cmd.StartedAt) > limit {
				timedOut = append(timedOut, cmd)
			}
		}
	}
	var retryAgents []string
	for agentID, until := range d.retryAt {
		if !now.Before(until) {
			delete(d.retryAt, agentID)
			retryAgents = append(retryAgents, agentID)
		}
	}
	d.mu.Unlock()

	for _, cmd := range forceCancel {
		d.mu.Lock()
		if st, ok := d.agents[cmd.AgentID]; ok && st.executing == cmd.ID {
			st.executing = ""
			if st.availability == AgentBusy {
				st.availability = AgentAvailable
			}
		}
		d.mu.Unlock()
		d.setStatus(ctx, cmd, StatusCancelled, cmd.cancelReason, 0)
		d.TryDispatch(ctx, cmd.AgentID)
	}
	for _, cmd := range timedOut {
		d.sendCancel(ctx, cmd, "timeout")
	}
	for _, agentID := range retryAgents {
		d.TryDispatch(ctx, agentID)
	}
}

// ─── internals ───────────────────────────────────────────────────────────────

func (d *Dispatcher) agentLocked(agentID string) *agentState {
	st, ok := d.agents[agentID]
	if !ok {
		st = &agentState{availability: AgentOffline}
		d.agents[agentID] = st
	}
	return st
}

// selectAgentLocked picks an agent for an untargeted command by
// (healthScore DESC, queueLength ASC). Caller holds d.mu.
func (d *Dispatcher) selectAgentLocked(ctx context.Context) (string, error) {
	type candidate struct {
		id     string
		health int
		qlen   int
	}
	var cands []candidate
	for id, st := range d.agents {
		if st.availability == AgentOffline {
			continue
		}
		qlen, err := d.q.Len(ctx, id)
		if err != nil {
			return "", err
		}
		cands = append(cands, candidate{id: id, health: st.healthScore, qlen: qlen})
	}
	if len(cands) == 0 {
		return "", ErrNoAgent
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].health != cands[j].health {
			return cands[i].health > cands[j].health
		}
		if cands[i].qlen != cands[j].qlen {
			return cands[i].qlen < cands[j].qlen
		}
		return cands[i].id < cands[j].id // stable
	})
	return cands[0].id, nil
}

// sendRequest encodes and enqueues a COMMAND_REQUEST on the agent's socket.
// Returns false on any transport-level failure.
func (d *Dispatcher) sendRequest(cmd *Command) bool {
	conn := d.reg.GetAgent(cmd.AgentID)
	if conn == nil {
		return false
	}
	var constraints *protocol.ExecutionConstraints
	if cmd.Constraints != (protocol.ExecutionConstraints{}) {
		c := cmd.Constraints
		constraints = &c
	}
	env, err := protocol.NewEnvelope(protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		CommandID:   cmd.ID,
		AgentID:     cmd.AgentID,
		Command:     cmd.Content,
		Args:        cmd.Args,
		Type:        cmd.Type,
		Priority:    cmd.Priority,
		Constraints: constraints,
	})
	if err != nil {
		d.logger.Error("dispatch: build COMMAND_REQUEST", slog.Any("error", err))
		return false
	}
	raw, err := protocol.Encode(env)
	if err != nil {
		return false
	}
	return conn.Socket.Enqueue(raw)
}

// sendCancel issues COMMAND_CANCEL and arms the confirmation deadline.
func (d *Dispatcher) sendCancel(ctx context.Context, cmd *Command, reason string) {
	d.mu.Lock()
	if !cmd.cancelDeadline.IsZero() {
		d.mu.Unlock()
		return // cancel already in flight
	}
	cmd.cancelDeadline = d.clock.Now().Add(d.cfg.CancelGrace)
	cmd.cancelReason = reason
	d.mu.Unlock()

	conn := d.reg.GetAgent(cmd.AgentID)
	if conn == nil {
		return // Sweep will force-cancel at the deadline
	}
	env, err := protocol.NewEnvelope(protocol.TypeCommandCancel, protocol.CommandCancelPayload{
		CommandID: cmd.ID,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if raw, err := protocol.Encode(env); err == nil {
		conn.Socket.Enqueue(raw)
	}
}

// failOrRequeue applies the disconnect policy to cmd.
func (d *Dispatcher) failOrRequeue(ctx context.Context, cmd *Command, reason string) {
	d.mu.Lock()
	attempts := cmd.Attempts
	d.mu.Unlock()
	if Terminal(cmd.Status) {
		return
	}

	if attempts < d.cfg.MaxAttempts {
		if _, err := d.q.Enqueue(ctx, cmd.ID, cmd.AgentID, cmd.Priority, 0); err == nil {
			d.setStatus(ctx, cmd, StatusQueued, "requeued after "+reason, 0)
			return
		}
	}
	d.setStatus(ctx, cmd, StatusFailed, reason, 0)
}

// setStatus applies the transition, persists it, broadcasts COMMAND_STATUS,
// and audits it. Illegal transitions are logged and audited, never applied.
func (d *Dispatcher) setStatus(ctx context.Context, cmd *Command, to Status, reason string, position int) {
	d.mu.Lock()
	err := cmd.transition(to, d.clock.Now())
	if err == nil && Terminal(to) {
		cmd.cancelDeadline = time.Time{}
	}
	d.mu.Unlock()
	if err != nil {
		d.logger.Warn("dispatch: transition rejected", slog.Any("error", err))
		return
	}

	if d.store != nil {
		if serr := d.store.UpdateCommandStatus(ctx, cmd.ID, string(to), reason); serr != nil {
			d.logger.Error("dispatch: persist status",
				slog.String("command_id", cmd.ID), slog.Any("error", serr))
		}
	}
	if d.audit != nil {
		d.audit.Record("command."+string(to), cmd.ID, map[string]any{
			"agent_id": cmd.AgentID,
			"user_id":  cmd.UserID,
			"reason":   reason,
		})
	}

	env, eerr := protocol.NewEnvelope(protocol.TypeCommandStatus, protocol.CommandStatusPayload{
		CommandID: cmd.ID,
		AgentID:   cmd.AgentID,
		Status:    string(to),
		Position:  position,
		Reason:    reason,
	})
	if eerr == nil {
		d.pub.Publish(broadcast.Event{
			Type:      protocol.TypeCommandStatus,
			AgentID:   cmd.AgentID,
			CommandID: cmd.ID,
			Envelope:  env,
		})
	}
}
