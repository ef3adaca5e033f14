package dispatch

import (
	"context"
	"log/slog"

	"github.com/tdoan35/onsembl-sub008/internal/broadcast"
	"github.com/tdoan35/onsembl-sub008/internal/protocol"
)

// StopResult summarises one emergency stop for the audit record and the
// triggering dashboard.
type StopResult struct {
	AgentsStopped     int `json:"agentsStopped"`
	CommandsCancelled int `json:"commandsCancelled"`
}

// EmergencyStop halts the fleet: every EXECUTING command receives a cancel,
// every queued entry is drained and marked CANCELLED, and one EMERGENCY_STOP
// broadcast goes to all agents and all dashboards. The stop is not
// reversible; commands submitted afterwards follow normal rules as soon as
// the coordinator re-admits traffic (which it does before returning).
func (d *Dispatcher) EmergencyStop(ctx context.Context, reason, triggeredBy string) (StopResult, error) {
	// Refuse new submissions while the snapshot and drain run.
	d.mu.Lock()
	d.halted = true
	executing := make([]*Command, 0)
	stoppedAgents := make(map[string]bool)
	for _, cmd := range d.commands {
		if cmd.Status == StatusExecuting {
			executing = append(executing, cmd)
			stoppedAgents[cmd.AgentID] = true
		}
	}
	d.mu.Unlock()

	var res StopResult

	// Tell every agent to terminate its current subprocess. Agents apply
	// SIGTERM then SIGKILL locally.
	stopEnv, err := protocol.NewEnvelope(protocol.TypeEmergencyStop, protocol.EmergencyStopPayload{
		Reason:      reason,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		d.unhalt()
		return res, err
	}
	d.pub.ToAgents(stopEnv)

	// Cancel the executing snapshot through the normal cancel path so the
	// 5s confirmation deadline still applies.
	for _, cmd := range executing {
		d.sendCancel(ctx, cmd, "emergency_stop")
		res.CommandsCancelled++
	}

	// Drain every queue and mark the entries CANCELLED.
	drained, err := d.q.DrainAll(ctx)
	if err != nil {
		d.logger.Error("dispatch: emergency drain failed", slog.Any("error", err))
	}
	for _, entry := range drained {
		d.mu.Lock()
		cmd := d.commands[entry.CommandID]
		d.mu.Unlock()
		if cmd == nil || Terminal(cmd.Status) {
			continue
		}
		d.setStatus(ctx, cmd, StatusCancelled, "emergency_stop", 0)
		res.CommandsCancelled++
	}

	res.AgentsStopped = len(stoppedAgents)

	// One fan-out to every dashboard, filters bypassed.
	d.pub.Publish(broadcast.Event{
		Type:     protocol.TypeEmergencyStop,
		Envelope: stopEnv,
	})

	if d.audit != nil {
		d.audit.Record("emergency_stop", triggeredBy, map[string]any{
			"reason":             reason,
			"agents_stopped":     res.AgentsStopped,
			"commands_cancelled": res.CommandsCancelled,
		})
	}

	d.unhalt()
	return res, nil
}

func (d *Dispatcher) unhalt() {
	d.mu.Lock()
	d.halted = false
	d.mu.Unlock()
}
