// Package dispatch matches queued commands to available agents and drives
// each command through its lifecycle state machine. The dispatcher is the
// only writer of command state: the hub translates wire messages (acks,
// completions, disconnects) into dispatcher method calls, and the dispatcher
// applies them against an explicit transition table with guards.
package dispatch

import (
	"fmt"
	"time"

	"github.com/tdoan35/onsembl-sub008/internal/protocol"
)

// Status is a command lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the legal state machine. Terminal states are absorbing:
// they have no outgoing edges, so no state is visited twice.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCancelled, StatusFailed},
	StatusQueued:    {StatusExecuting, StatusCancelled, StatusFailed, StatusQueued},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// Terminal reports whether s is an absorbing state.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition reports whether from → to is a legal edge. QUEUED → QUEUED
// covers requeue after a transient dispatch failure, and EXECUTING → QUEUED
// covers requeue after an agent disconnect with attempts remaining.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Command is the dispatcher's live view of one command. The external store
// owns the durable record; this cache exists for dispatch decisions and is
// dropped once the command reaches a terminal state and its retention window
// passes.
type Command struct {
	ID          string
	Content     string
	Args        []string
	Type        string
	Priority    int
	Status      Status
	AgentID     string // empty until an agent is selected
	UserID      string
	ConnID      string // originating dashboard connection
	Constraints protocol.ExecutionConstraints
	Attempts    int

	CreatedAt  time.Time
	StartedAt  time.Time // set on EXECUTING
	FinishedAt time.Time // set on terminal transition

	// cancelDeadline is set when COMMAND_CANCEL has been sent; if the agent
	// does not confirm before the deadline the command is forcibly CANCELLED.
	cancelDeadline time.Time
	cancelReason   string
}

// transition applies from → to with the table guard. It returns an error for
// illegal edges so callers can audit attempted violations instead of
// corrupting state.
func (c *Command) transition(to Status, now time.Time) error {
	if !canTransition(c.Status, to) {
		return fmt.Errorf("dispatch: illegal transition %s → %s for command %s", c.Status, to, c.ID)
	}
	c.Status = to
	switch to {
	case StatusExecuting:
		c.StartedAt = now
	case StatusCompleted, StatusFailed, StatusCancelled:
		c.FinishedAt = now
	}
	return nil
}

// Availability is the dispatcher's per-agent scheduling state.
type Availability string

const (
	AgentAvailable Availability = "available"
	AgentBusy      Availability = "busy"
	AgentOffline   Availability = "offline"
)

// agentState tracks one agent's scheduling data.
type agentState struct {
	availability Availability
	healthScore  int
	executing    string // command id, "" when idle
}
