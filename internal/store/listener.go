package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// AgentChange is the payload delivered on the agent_changes NOTIFY channel.
// A trigger on the agents table fires it for every status flip, so watchers
// see availability changes without polling.
type AgentChange struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// WatchAgents blocks on a dedicated connection LISTENing to agent_changes
// and invokes fn for every change until ctx is cancelled. On connection
// failure it backs off and re-subscribes; changes fired while disconnected
// are missed, so callers needing a consistent view should re-list agents
// after fn starts firing again.
func (s *Store) WatchAgents(ctx context.Context, logger *slog.Logger, fn func(AgentChange)) error {
	for {
		err := s.listenOnce(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("store: agent watch interrupted", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context, fn func(AgentChange)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN agent_changes"); err != nil {
		return fmt.Errorf("listen agent_changes: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var change AgentChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			// Malformed payloads are skipped, not fatal.
			continue
		}
		fn(change)
	}
}
