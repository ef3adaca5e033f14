package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdoan35/onsembl-sub008/internal/audit"
)

const (
	// DefaultBatchSize is the maximum number of terminal chunks held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 200

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending terminal output even when the batch has not reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the control plane.
//
// Terminal output ingestion is batched: callers enqueue chunks via
// BatchInsertTerminal, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations execute
// immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []TerminalChunk
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]TerminalChunk, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Ping checks database reachability. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops the background flush goroutine, flushes any remaining buffered
// chunks, and closes the connection pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// --- Agent operations ---

// UpsertAgent inserts a new agent or, on agent_id conflict, updates all
// mutable fields. Called on AGENT_CONNECT.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	metadata := []byte(a.Metadata)
	if metadata == nil {
		metadata = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents
			(agent_id, name, type, version, status, health_score, last_ping, connected_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			name         = EXCLUDED.name,
			type         = EXCLUDED.type,
			version      = EXCLUDED.version,
			status       = EXCLUDED.status,
			health_score = EXCLUDED.health_score,
			last_ping    = EXCLUDED.last_ping,
			connected_at = EXCLUDED.connected_at,
			metadata     = EXCLUDED.metadata`,
		a.AgentID,
		nullableStr(a.Name),
		nullableStr(a.Type),
		nullableStr(a.Version),
		string(a.Status),
		a.HealthScore,
		a.LastPing,
		a.ConnectedAt,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given id, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, name, type, version, status, health_score, last_ping, connected_at, metadata
		FROM   agents
		WHERE  agent_id = $1`, agentID)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered by agent_id.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, name, type, version, status, health_score, last_ping, connected_at, metadata
		FROM   agents
		ORDER  BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus flips the agent's availability state and NOTIFYs the
// agent_changes channel so watchers see the flip without polling.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET status = $2 WHERE agent_id = $1`, agentID, status)
	if err != nil {
		return fmt.Errorf("update agent status %s: %w", agentID, err)
	}
	return nil
}

// UpdateAgentPing records a heartbeat: last_ping and health_score.
func (s *Store) UpdateAgentPing(ctx context.Context, agentID string, at time.Time, healthScore int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_ping = $2, health_score = $3 WHERE agent_id = $1`,
		agentID, at, healthScore)
	if err != nil {
		return fmt.Errorf("update agent ping %s: %w", agentID, err)
	}
	return nil
}

// --- Command operations ---

// InsertCommand persists a newly submitted command.
func (s *Store) InsertCommand(ctx context.Context, c Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commands
			(command_id, agent_id, user_id, content, args, type, priority, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (command_id) DO NOTHING`,
		c.CommandID, c.AgentID, c.UserID, c.Content, c.Args,
		nullableStr(c.Type), c.Priority, c.Status, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// UpdateCommandStatus records a lifecycle transition. Terminal statuses also
// stamp finished_at. Implements the dispatcher's CommandStore.
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID, status, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commands
		SET    status      = $2,
		       reason      = $3,
		       finished_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'CANCELLED')
		                          THEN now() ELSE finished_at END
		WHERE  command_id = $1`,
		commandID, status, nullableStr(reason))
	if err != nil {
		return fmt.Errorf("update command status %s: %w", commandID, err)
	}
	return nil
}

// GetCommand fetches a single command by id.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT command_id, agent_id, user_id, content, args, type, priority, status, reason, created_at, finished_at
		FROM   commands
		WHERE  command_id = $1`, commandID)
	c, err := scanCommand(row)
	if err != nil {
		return nil, fmt.Errorf("get command %s: %w", commandID, err)
	}
	return c, nil
}

// ListCommands returns commands matching q, newest first.
func (s *Store) ListCommands(ctx context.Context, q CommandQuery) ([]Command, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.Limit, q.Offset}
	where := "WHERE true"
	argIdx := 3

	if q.AgentID != "" {
		where += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, q.AgentID)
		argIdx++
	}
	if q.UserID != "" {
		where += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, q.UserID)
		argIdx++
	}
	if q.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, q.Status)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT command_id, agent_id, user_id, content, args, type, priority, status, reason, created_at, finished_at
		FROM   commands
		%s
		ORDER  BY created_at DESC, command_id
		LIMIT  $1 OFFSET $2`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

// --- Terminal output batch insert & query ---

// BatchInsertTerminal enqueues chunk for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertTerminal(ctx context.Context, chunk TerminalChunk) error {
	s.mu.Lock()
	s.batch = append(s.batch, chunk)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current terminal buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the uniqueness key
// are silently ignored (idempotent replay support).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]TerminalChunk, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO terminal_output
			(command_id, agent_id, stream, content, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		c := &toInsert[i]
		b.Queue(query, c.CommandID, c.AgentID, c.Stream, c.Content, c.Sequence, c.Timestamp)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec terminal chunk: %w", err)
		}
	}
	return nil
}

// QueryTerminal returns terminal chunks matching q, ordered by sequence
// ascending for deterministic replay.
func (s *Store) QueryTerminal(ctx context.Context, q TerminalQuery) ([]TerminalChunk, error) {
	if q.Limit <= 0 {
		q.Limit = 500
	}

	args := []any{q.CommandID, q.AfterSequence, q.Limit}
	where := "WHERE command_id = $1 AND sequence > $2"
	if q.Stream != "" {
		where += " AND stream = $4"
		args = append(args, q.Stream)
	}

	sql := fmt.Sprintf(`
		SELECT command_id, agent_id, stream, content, sequence, timestamp
		FROM   terminal_output
		%s
		ORDER  BY sequence ASC
		LIMIT  $3`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query terminal: %w", err)
	}
	defer rows.Close()

	var chunks []TerminalChunk
	for rows.Next() {
		var c TerminalChunk
		if err := rows.Scan(&c.CommandID, &c.AgentID, &c.Stream, &c.Content, &c.Sequence, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan terminal chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Trace operations ---

// InsertTrace persists one LLM call span.
func (s *Store) InsertTrace(ctx context.Context, e TraceEntry) error {
	detail := []byte(e.Detail)
	if detail == nil {
		detail = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trace_entries
			(trace_id, span_id, parent_id, agent_id, command_id, name, started_at, ended_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		e.TraceID, e.SpanID, nullableStr(e.ParentID), e.AgentID,
		nullableStr(e.CommandID), e.Name, e.StartedAt, e.EndedAt, detail,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// QueryTraces returns all spans of one trace ordered by start time, from
// which callers rebuild the tree via parent_id.
func (s *Store) QueryTraces(ctx context.Context, traceID string) ([]TraceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trace_id, span_id, parent_id, agent_id, command_id, name, started_at, ended_at, detail
		FROM   trace_entries
		WHERE  trace_id = $1
		ORDER  BY started_at ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var entries []TraceEntry
	for rows.Next() {
		var e TraceEntry
		var parentID, commandID *string
		var detail []byte
		err := rows.Scan(&e.TraceID, &e.SpanID, &parentID, &e.AgentID, &commandID,
			&e.Name, &e.StartedAt, &e.EndedAt, &detail)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		if parentID != nil {
			e.ParentID = *parentID
		}
		if commandID != nil {
			e.CommandID = *commandID
		}
		e.Detail = detail
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Audit records ---

// InsertAuditRecords persists a flushed audit batch in a single pgx.Batch
// round-trip. Implements the audit sink's Store.
func (s *Store) InsertAuditRecords(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	const query = `
		INSERT INTO audit_records (event_type, subject_id, details, created_at)
		VALUES ($1, $2, $3, $4)`

	b := &pgx.Batch{}
	for i := range records {
		r := &records[i]
		details := []byte("null")
		if r.Details != nil {
			raw, err := json.Marshal(r.Details)
			if err != nil {
				return fmt.Errorf("marshal audit details: %w", err)
			}
			details = raw
		}
		b.Queue(query, r.EventType, r.SubjectID, details, r.Timestamp)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec audit record: %w", err)
		}
	}
	return nil
}

// --- CommandPreset CRUD ---

// CreatePreset inserts a new command preset. The caller generates PresetID.
func (s *Store) CreatePreset(ctx context.Context, p CommandPreset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_presets (preset_id, name, content, args, type, priority, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.PresetID, p.Name, p.Content, p.Args, nullableStr(p.Type),
		p.Priority, p.CreatedBy, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create preset: %w", err)
	}
	return nil
}

// GetPreset fetches a single preset by id.
func (s *Store) GetPreset(ctx context.Context, presetID string) (*CommandPreset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT preset_id, name, content, args, type, priority, created_by, created_at
		FROM   command_presets
		WHERE  preset_id = $1`, presetID)
	p, err := scanPreset(row)
	if err != nil {
		return nil, fmt.Errorf("get preset %s: %w", presetID, err)
	}
	return p, nil
}

// ListPresets returns all presets ordered alphabetically by name.
func (s *Store) ListPresets(ctx context.Context) ([]CommandPreset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT preset_id, name, content, args, type, priority, created_by, created_at
		FROM   command_presets
		ORDER  BY name`)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer rows.Close()

	var presets []CommandPreset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preset: %w", err)
		}
		presets = append(presets, *p)
	}
	return presets, rows.Err()
}

// DeletePreset removes the preset identified by presetID.
func (s *Store) DeletePreset(ctx context.Context, presetID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM command_presets WHERE preset_id = $1`, presetID)
	if err != nil {
		return fmt.Errorf("delete preset %s: %w", presetID, err)
	}
	return nil
}

// --- InvestigationReport operations ---

// InsertReport persists an agent-produced findings document.
func (s *Store) InsertReport(ctx context.Context, r InvestigationReport) error {
	content := []byte(r.Content)
	if content == nil {
		content = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO investigation_reports (report_id, agent_id, command_id, title, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_id) DO NOTHING`,
		r.ReportID, r.AgentID, nullableStr(r.CommandID), r.Title, content, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReports returns reports for agentID, newest first. An empty agentID
// matches all agents.
func (s *Store) ListReports(ctx context.Context, agentID string, limit int) ([]InvestigationReport, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT report_id, agent_id, command_id, title, content, created_at
			FROM   investigation_reports
			WHERE  agent_id = $1
			ORDER  BY created_at DESC
			LIMIT  $2`, agentID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT report_id, agent_id, command_id, title, content, created_at
			FROM   investigation_reports
			ORDER  BY created_at DESC
			LIMIT  $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []InvestigationReport
	for rows.Next() {
		var r InvestigationReport
		var commandID *string
		var content []byte
		if err := rows.Scan(&r.ReportID, &r.AgentID, &commandID, &r.Title, &content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if commandID != nil {
			r.CommandID = *commandID
		}
		r.Content = content
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	var name, typ, version *string
	var status string
	var metadata []byte
	err := s.Scan(
		&a.AgentID, &name, &typ, &version,
		&status, &a.HealthScore,
		&a.LastPing, &a.ConnectedAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AgentStatus(status)
	if name != nil {
		a.Name = *name
	}
	if typ != nil {
		a.Type = *typ
	}
	if version != nil {
		a.Version = *version
	}
	a.Metadata = metadata
	return &a, nil
}

func scanCommand(s scanner) (*Command, error) {
	var c Command
	var typ, reason *string
	err := s.Scan(
		&c.CommandID, &c.AgentID, &c.UserID, &c.Content, &c.Args,
		&typ, &c.Priority, &c.Status, &reason,
		&c.CreatedAt, &c.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if typ != nil {
		c.Type = *typ
	}
	if reason != nil {
		c.Reason = *reason
	}
	return &c, nil
}

func scanPreset(s scanner) (*CommandPreset, error) {
	var p CommandPreset
	var typ *string
	err := s.Scan(&p.PresetID, &p.Name, &p.Content, &p.Args, &typ, &p.Priority, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if typ != nil {
		p.Type = *typ
	}
	return &p, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
