// Package registry tracks every live WebSocket connection terminated by the
// control plane. It is the single owner of connection state: other components
// hold connection ids and resolve them through the registry at the moment of
// use, never retaining *Conn pointers across operations.
//
// Three indices are maintained under one mutex: by connection id, by
// dashboard user id, and by agent id. An agent id maps to at most one
// connection; a new connect for the same agent evicts the previous socket.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind distinguishes the two classes of connection.
type Kind string

const (
	KindDashboard Kind = "dashboard"
	KindAgent     Kind = "agent"
)

// ErrCapacity is returned when adding a connection would exceed the global
// connection cap.
var ErrCapacity = errors.New("registry: connection capacity reached")

// Socket is the minimal write surface the registry needs from a transport
// connection. The hub's connection type implements it.
type Socket interface {
	// Enqueue offers one outbound frame. It must never block; a false
	// return means the frame was dropped.
	Enqueue(frame []byte) bool
	// Close tears the transport down with a WebSocket close code.
	Close(code int, reason string)
}

// Conn is one registered connection. Fields are set at registration and not
// mutated afterwards except LastActivity, which is guarded by the registry
// mutex.
type Conn struct {
	ID        string
	Kind      Kind
	Principal string // user id for dashboards, agent id for agents
	Socket    Socket

	ConnectedAt  time.Time
	lastActivity time.Time

	// Subs is the dashboard's broadcast filter; nil for agents. It is
	// replaced wholesale on re-subscription, never mutated in place.
	subs any
}

// Registry indexes live connections. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*Conn
	byUser  map[string]map[string]*Conn // user id → conn id → conn
	byAgent map[string]*Conn            // agent id → conn

	maxConns int
	logger   *slog.Logger
}

// Stats is a point-in-time summary returned by Stats.
type Stats struct {
	Total      int
	Dashboards int
	Agents     int
}

// New creates a Registry. maxConns ≤ 0 selects the default cap of 100.
func New(logger *slog.Logger, maxConns int) *Registry {
	if maxConns <= 0 {
		maxConns = 100
	}
	return &Registry{
		byID:     make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
		byAgent:  make(map[string]*Conn),
		maxConns: maxConns,
		logger:   logger,
	}
}

// AddDashboard registers a dashboard connection for userID. It fails with
// ErrCapacity when the global cap is reached.
func (r *Registry) AddDashboard(id, userID string, sock Socket) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxConns {
		return nil, ErrCapacity
	}

	c := &Conn{
		ID:           id,
		Kind:         KindDashboard,
		Principal:    userID,
		Socket:       sock,
		ConnectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	r.byID[id] = c
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.byUser[userID] = set
	}
	set[id] = c
	return c, nil
}

// AddAgent registers an agent connection. If the agent already holds a
// connection the old socket is closed with code 1008 and replaced; the
// evicted connection id is returned so callers can account for it.
func (r *Registry) AddAgent(id, agentID string, sock Socket) (*Conn, string, error) {
	var evicted *Conn

	r.mu.Lock()
	if prior, ok := r.byAgent[agentID]; ok {
		r.removeLocked(prior.ID)
		evicted = prior
	} else if len(r.byID) >= r.maxConns {
		r.mu.Unlock()
		return nil, "", ErrCapacity
	}

	c := &Conn{
		ID:           id,
		Kind:         KindAgent,
		Principal:    agentID,
		Socket:       sock,
		ConnectedAt:  time.Now(),
		lastActivity: time.Now(),
	}
	r.byID[id] = c
	r.byAgent[agentID] = c
	r.mu.Unlock()

	// Close the evicted socket outside the lock.
	evictedID := ""
	if evicted != nil {
		evictedID = evicted.ID
		evicted.Socket.Close(1008, "replaced by newer agent connection")
		r.logger.Info("registry: agent connection replaced",
			slog.String("agent_id", agentID),
			slog.String("evicted_conn_id", evictedID),
		)
	}
	return c, evictedID, nil
}

// Remove deletes the connection with id from all indices. It is idempotent:
// removing an unknown id is a no-op. It returns the removed connection, or
// nil when id was not registered.
func (r *Registry) Remove(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) *Conn {
	c, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	switch c.Kind {
	case KindDashboard:
		if set, ok := r.byUser[c.Principal]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, c.Principal)
			}
		}
	case KindAgent:
		// Only clear the agent index if it still points at this connection;
		// a replacement may already have taken the slot.
		if cur, ok := r.byAgent[c.Principal]; ok && cur.ID == id {
			delete(r.byAgent, c.Principal)
		}
	}
	return c
}

// Get returns the connection with id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// GetAgent returns the live connection for agentID, or nil.
func (r *Registry) GetAgent(agentID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byAgent[agentID]
}

// GetDashboardsForUser returns a snapshot of the user's dashboard
// connections.
func (r *Registry) GetDashboardsForUser(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every registered connection, optionally filtered
// by kind (pass "" for both kinds).
func (r *Registry) All(kind Kind) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Stats returns connection counts by kind.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Total: len(r.byID)}
	for _, c := range r.byID {
		if c.Kind == KindDashboard {
			s.Dashboards++
		} else {
			s.Agents++
		}
	}
	return s
}

// Touch records activity on the connection so idle-timeout sweeps see it as
// live.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		c.lastActivity = time.Now()
	}
}

// LastActivity returns the most recent activity time for id, or the zero
// time when id is unknown.
func (r *Registry) LastActivity(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		return c.lastActivity
	}
	return time.Time{}
}

// SetSubscriptions replaces the dashboard connection's broadcast filter.
func (r *Registry) SetSubscriptions(id string, subs any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		c.subs = subs
	}
}

// Subscriptions returns the dashboard connection's broadcast filter, or nil.
func (r *Registry) Subscriptions(id string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byID[id]; ok {
		return c.subs
	}
	return nil
}

// CloseAll closes every connection with the given code and empties the
// registry. Used on shutdown and by the emergency-stop path in tests.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.byAgent = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Socket.Close(code, reason)
	}
}
