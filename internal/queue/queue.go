// Package queue provides the WAL-mode SQLite-backed per-agent command queue
// for the Onsembl control plane. Entries are ordered by (priority DESC,
// enqueued_at ASC) and survive process restarts, so commands accepted before
// a crash are still dispatched after recovery.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that position
// reads by dashboards proceed concurrently with the dispatcher's single
// writer. The connection pool is limited to one connection; SQLite allows a
// single writer and every call serialises through it, which is also what
// makes Dequeue atomic without an in-process lock spanning the store call.
//
// # Positions
//
// Queue positions are a derived view: Position recomputes the 1-based rank
// with a COUNT over the ordering key at read time. Nothing stores a mutable
// position column, so re-prioritisation never has to rewrite sibling rows.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Queue errors surfaced to the hub and mapped to wire error codes there.
var (
	// ErrQueueFull is returned by Enqueue when the target agent's queue is
	// at its configured maximum. Maps to RESOURCE_EXHAUSTED on the wire.
	ErrQueueFull = errors.New("queue: full")

	// ErrNotFound is returned when the referenced entry does not exist.
	ErrNotFound = errors.New("queue: entry not found")

	// ErrPriorityRange is returned by UpdatePriority for values outside
	// [0,100]. Enqueue clamps instead, matching the admission contract.
	ErrPriorityRange = errors.New("queue: priority out of range")
)

// Priority bounds. Enqueue clamps into this range.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Entry is one pending command awaiting dispatch.
type Entry struct {
	ID            int64
	CommandID     string
	AgentID       string
	Priority      int
	EnqueuedAt    time.Time
	EstDurationMs int64
	Position      int // 1-based, derived; populated by Enqueue and Position
}

// Queue is a durable per-agent priority queue. Safe for concurrent use.
type Queue struct {
	db       *sql.DB
	maxDepth int
	depth    atomic.Int64 // total pending entries across agents
}

// enqueued_at holds Unix nanoseconds so the ordering key compares
// numerically.
const ddl = `
CREATE TABLE IF NOT EXISTS command_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    command_id   TEXT    NOT NULL UNIQUE,
    agent_id     TEXT    NOT NULL,
    priority     INTEGER NOT NULL,
    enqueued_at  INTEGER NOT NULL,
    est_duration INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_command_queue_order
    ON command_queue (agent_id, priority DESC, enqueued_at ASC, id ASC);
`

// Open opens (or creates) the queue database at path and applies the schema.
// ":memory:" is suitable for tests. maxDepthPerAgent ≤ 0 selects 100.
func Open(path string, maxDepthPerAgent int) (*Queue, error) {
	if maxDepthPerAgent <= 0 {
		maxDepthPerAgent = 100
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// Single writer; all calls serialise through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &Queue{db: db, maxDepth: maxDepthPerAgent}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM command_queue`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

// ClampPriority folds p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Enqueue adds a command to agentID's queue and returns the entry with its
// derived position. Priority is clamped into [0,100]. Enqueueing a command id
// that is already queued is idempotent: the existing entry is returned
// unchanged. A queue at maxDepth fails with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, commandID, agentID string, priority int, estDuration time.Duration) (*Entry, error) {
	priority = ClampPriority(priority)

	// Duplicate enqueue coalesces to the existing entry.
	if existing, err := q.byCommandID(ctx, commandID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var pending int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue WHERE agent_id = ?`, agentID,
	).Scan(&pending); err != nil {
		return nil, fmt.Errorf("queue: count for %q: %w", agentID, err)
	}
	if pending >= q.maxDepth {
		return nil, fmt.Errorf("%w: agent %q at %d entries", ErrQueueFull, agentID, pending)
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO command_queue (command_id, agent_id, priority, enqueued_at, est_duration)
		 VALUES (?, ?, ?, ?, ?)`,
		commandID, agentID, priority, now.UnixNano(), estDuration.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %q: %w", commandID, err)
	}
	id, _ := res.LastInsertId()
	q.depth.Add(1)

	entry := &Entry{
		ID:            id,
		CommandID:     commandID,
		AgentID:       agentID,
		Priority:      priority,
		EnqueuedAt:    now,
		EstDurationMs: estDuration.Milliseconds(),
	}
	pos, err := q.Position(ctx, commandID)
	if err != nil {
		return nil, err
	}
	entry.Position = pos
	return entry, nil
}

// Peek returns the highest-priority entry for agentID without removing it,
// or ErrNotFound when the queue is empty.
func (q *Queue) Peek(ctx context.Context, agentID string) (*Entry, error) {
	return q.scanOne(q.db.QueryRowContext(ctx,
		`SELECT id, command_id, agent_id, priority, enqueued_at, est_duration
		 FROM   command_queue
		 WHERE  agent_id = ?
		 ORDER  BY priority DESC, enqueued_at ASC, id ASC
		 LIMIT  1`, agentID))
}

// Dequeue atomically removes and returns the highest-priority entry for
// agentID, or ErrNotFound when the queue is empty. Atomicity follows from
// the single-connection pool: no other statement interleaves between the
// select and the delete inside the transaction.
func (q *Queue) Dequeue(ctx context.Context, agentID string) (*Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	entry, err := q.scanOne(tx.QueryRowContext(ctx,
		`SELECT id, command_id, agent_id, priority, enqueued_at, est_duration
		 FROM   command_queue
		 WHERE  agent_id = ?
		 ORDER  BY priority DESC, enqueued_at ASC, id ASC
		 LIMIT  1`, agentID))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_queue WHERE id = ?`, entry.ID); err != nil {
		return nil, fmt.Errorf("queue: dequeue delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: dequeue commit: %w", err)
	}

	q.depth.Add(-1)
	return entry, nil
}

// Position returns the 1-based position of commandID within its agent's
// queue, derived from the ordering key at read time.
func (q *Queue) Position(ctx context.Context, commandID string) (int, error) {
	entry, err := q.byCommandID(ctx, commandID)
	if err != nil {
		return 0, err
	}

	var ahead int
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue
		 WHERE agent_id = ?
		   AND (priority > ?
		        OR (priority = ? AND enqueued_at < ?)
		        OR (priority = ? AND enqueued_at = ? AND id < ?))`,
		entry.AgentID,
		entry.Priority,
		entry.Priority, entry.EnqueuedAt.UnixNano(),
		entry.Priority, entry.EnqueuedAt.UnixNano(), entry.ID,
	).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("queue: position of %q: %w", commandID, err)
	}
	return ahead + 1, nil
}

// UpdatePriority re-orders commandID by assigning newPriority. Out-of-range
// values are rejected with ErrPriorityRange rather than clamped.
func (q *Queue) UpdatePriority(ctx context.Context, commandID string, newPriority int) error {
	if newPriority < MinPriority || newPriority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrPriorityRange, newPriority)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE command_queue SET priority = ? WHERE command_id = ?`, newPriority, commandID)
	if err != nil {
		return fmt.Errorf("queue: update priority of %q: %w", commandID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, commandID)
	}
	return nil
}

// Remove deletes commandID from the queue (interrupt of a QUEUED command).
// Removing an absent id returns ErrNotFound.
func (q *Queue) Remove(ctx context.Context, commandID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM command_queue WHERE command_id = ?`, commandID)
	if err != nil {
		return fmt.Errorf("queue: remove %q: %w", commandID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, commandID)
	}
	q.depth.Add(-n)
	return nil
}

// DrainAll removes every queued entry across all agents and returns them in
// dispatch order per agent. Used by the emergency-stop coordinator.
func (q *Queue) DrainAll(ctx context.Context) ([]Entry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin drain: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, command_id, agent_id, priority, enqueued_at, est_duration
		 FROM   command_queue
		 ORDER  BY agent_id, priority DESC, enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: drain query: %w", err)
	}
	entries, err := q.scanAll(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_queue`); err != nil {
		return nil, fmt.Errorf("queue: drain delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: drain commit: %w", err)
	}

	q.depth.Add(-int64(len(entries)))
	return entries, nil
}

// Len returns the number of pending entries for agentID.
func (q *Queue) Len(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue WHERE agent_id = ?`, agentID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: len for %q: %w", agentID, err)
	}
	return n, nil
}

// Depth returns the total number of pending entries across all agents. It
// reads an atomic counter and never blocks.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database. The queue must not be used after
// Close returns.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) byCommandID(ctx context.Context, commandID string) (*Entry, error) {
	return q.scanOne(q.db.QueryRowContext(ctx,
		`SELECT id, command_id, agent_id, priority, enqueued_at, est_duration
		 FROM   command_queue WHERE command_id = ?`, commandID))
}

func (q *Queue) scanOne(row *sql.Row) (*Entry, error) {
	var (
		e  Entry
		ns int64
	)
	err := row.Scan(&e.ID, &e.CommandID, &e.AgentID, &e.Priority, &ns, &e.EstDurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: scan: %w", err)
	}
	e.EnqueuedAt = time.Unix(0, ns).UTC()
	return &e, nil
}

func (q *Queue) scanAll(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ns int64
		)
		if err := rows.Scan(&e.ID, &e.CommandID, &e.AgentID, &e.Priority, &ns, &e.EstDurationMs); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		e.EnqueuedAt = time.Unix(0, ns).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: rows: %w", err)
	}
	return entries, nil
}
