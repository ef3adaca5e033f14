package queue

import (
	"context"
	"testing"
	"time"
)

// TestFIFOAcrossSubSecondTimestamps pins the storage encoding of the FIFO
// tie-break: entries at the same priority whose enqueue times differ only in
// sub-second digits must dequeue oldest-first, and Position must rank them
// the same way.
func TestFIFOAcrossSubSecondTimestamps(t *testing.T) {
	t.Parallel()

	q, err := Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for _, row := range []struct {
		commandID string
		at        time.Time
	}{
		// 500ms has fewer significant sub-second digits than 520ms, the
		// shape a textual timestamp encoding would mis-order.
		{"cmd-A", base.Add(500 * time.Millisecond)},
		{"cmd-B", base.Add(520 * time.Millisecond)},
	} {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO command_queue (command_id, agent_id, priority, enqueued_at, est_duration)
			 VALUES (?, ?, ?, ?, ?)`,
			row.commandID, "agent-x", 50, row.at.UnixNano(), 0,
		); err != nil {
			t.Fatalf("insert %s: %v", row.commandID, err)
		}
		q.depth.Add(1)
	}

	pos, err := q.Position(ctx, "cmd-B")
	if err != nil {
		t.Fatalf("position cmd-B: %v", err)
	}
	if pos != 2 {
		t.Errorf("Position(cmd-B) = %d, want 2", pos)
	}

	for i, want := range []string{"cmd-A", "cmd-B"} {
		entry, err := q.Dequeue(ctx, "agent-x")
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if entry.CommandID != want {
			t.Fatalf("dequeue %d = %s, want %s", i, entry.CommandID, want)
		}
	}
}

// TestEnqueuedAtRoundTrip verifies the stored instant survives scan with
// nanosecond precision.
func TestEnqueuedAtRoundTrip(t *testing.T) {
	t.Parallel()

	q, err := Open(":memory:", 0)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	ctx := context.Background()

	before := time.Now().UTC()
	entry, err := q.Enqueue(ctx, "cmd-rt", "agent-x", 10, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	after := time.Now().UTC()

	got, err := q.Peek(ctx, "agent-x")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !got.EnqueuedAt.Equal(entry.EnqueuedAt) {
		t.Errorf("EnqueuedAt round-trip = %v, want %v", got.EnqueuedAt, entry.EnqueuedAt)
	}
	if got.EnqueuedAt.Before(before) || got.EnqueuedAt.After(after) {
		t.Errorf("EnqueuedAt %v outside [%v, %v]", got.EnqueuedAt, before, after)
	}
}
