package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Session is an authenticated principal's active context, bound to one token
// id.
type Session struct {
	UserID      string
	SessionID   string
	TokenID     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Fingerprint string // hash of IP + user agent, for anomaly detection
}

// Fingerprint derives the session fingerprint from the remote IP and user
// agent. It intentionally keeps the raw values out of the stored session.
func Fingerprint(remoteIP, userAgent string) string {
	return fmt.Sprintf("%x", fnvSum(remoteIP+"|"+userAgent))
}

func fnvSum(s string) uint64 {
	// FNV-1a, inlined to avoid allocating a hash.Hash on every connect.
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// SessionManager enforces the per-user session cap. Creating a session beyond
// the cap evicts the user's oldest session, revokes its token, and emits a
// session_invalidated event. Safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	byUser   map[string][]*Session // ordered oldest first
	bySessID map[string]*Session

	maxPerUser int
	blacklist  *Blacklist
	clock      clockwork.Clock
	onEvent    SecurityEventFunc
}

// NewSessionManager creates a SessionManager. maxPerUser ≤ 0 selects the
// default of 5.
func NewSessionManager(maxPerUser int, blacklist *Blacklist, clock clockwork.Clock, onEvent SecurityEventFunc) *SessionManager {
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	if onEvent == nil {
		onEvent = func(SecurityEvent) {}
	}
	return &SessionManager{
		byUser:     make(map[string][]*Session),
		bySessID:   make(map[string]*Session),
		maxPerUser: maxPerUser,
		blacklist:  blacklist,
		clock:      clock,
		onEvent:    onEvent,
	}
}

// Create registers a session for claims with the given fingerprint. When the
// user is already at the cap the oldest session is evicted first. The evicted
// session (or nil) is returned for observability.
func (m *SessionManager) Create(claims *Claims, fingerprint string) (*Session, *Session) {
	sess := &Session{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		TokenID:     claims.TokenID,
		IssuedAt:    claims.IssuedAt,
		ExpiresAt:   claims.ExpiresAt,
		Fingerprint: fingerprint,
	}
	if sess.SessionID == "" {
		sess.SessionID = claims.TokenID
	}

	var evicted *Session

	m.mu.Lock()
	sessions := m.byUser[sess.UserID]
	if len(sessions) >= m.maxPerUser {
		evicted = sessions[0]
		sessions = sessions[1:]
		delete(m.bySessID, evicted.SessionID)
	}
	sessions = append(sessions, sess)
	m.byUser[sess.UserID] = sessions
	m.bySessID[sess.SessionID] = sess
	m.mu.Unlock()

	if evicted != nil {
		if m.blacklist != nil {
			m.blacklist.Revoke(evicted.TokenID, evicted.ExpiresAt)
		}
		m.onEvent(SecurityEvent{Kind: "session_invalidated", Subject: evicted.UserID,
			Detail: map[string]any{"session_id": evicted.SessionID, "reason": "session_cap"}})
	}
	return sess, evicted
}

// Revoke removes the session and blacklists its token. Unknown session ids
// are a no-op.
func (m *SessionManager) Revoke(sessionID string) {
	m.mu.Lock()
	sess, ok := m.bySessID[sessionID]
	if ok {
		delete(m.bySessID, sessionID)
		sessions := m.byUser[sess.UserID]
		for i, s := range sessions {
			if s.SessionID == sessionID {
				m.byUser[sess.UserID] = append(sessions[:i], sessions[i+1:]...)
				break
			}
		}
		if len(m.byUser[sess.UserID]) == 0 {
			delete(m.byUser, sess.UserID)
		}
	}
	m.mu.Unlock()

	if ok && m.blacklist != nil {
		m.blacklist.Revoke(sess.TokenID, sess.ExpiresAt)
	}
}

// Get returns the session with sessionID, or nil.
func (m *SessionManager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bySessID[sessionID]
}

// CountForUser returns the user's active session count.
func (m *SessionManager) CountForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Compact drops sessions whose tokens have expired, returning the number
// removed.
func (m *SessionManager) Compact() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for userID, sessions := range m.byUser {
		keep := sessions[:0]
		for _, s := range sessions {
			if s.ExpiresAt.After(now) {
				keep = append(keep, s)
			} else {
				delete(m.bySessID, s.SessionID)
				dropped++
			}
		}
		if len(keep) == 0 {
			delete(m.byUser, userID)
		} else {
			m.byUser[userID] = keep
		}
	}
	return dropped
}
