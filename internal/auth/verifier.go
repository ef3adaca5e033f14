// Package auth implements token verification, session management, rate
// limiting, and the permission model for the Onsembl control plane.
//
// Tokens are HS256-signed JWTs carrying sub, role, exp, iat, jti, and an
// optional sessionId claim. Verification consults a sharded blacklist of
// revoked token ids; revoked or expired tokens fail every subsequent attempt.
//
// Security-relevant events (auth failures, blacklisting, rate-limit hits,
// session eviction, permission denials) are reported through the
// SecurityEvent callback so the hub can route them to the audit sink without
// this package importing it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure kinds. Callers map these onto wire error codes.
var (
	ErrAuthFailed       = errors.New("auth: invalid token")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenBlacklisted = errors.New("auth: token blacklisted")
)

// Role is a principal's role tag carried in the JWT "role" claim.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
	RoleAgent    Role = "agent"
)

// Claims is the verified content of an access token.
type Claims struct {
	Subject   string // user id or agent id
	Role      Role
	TokenID   string // jti
	SessionID string // optional
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Remaining returns the token's remaining lifetime at now.
func (c Claims) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// SecurityEvent is one security-relevant occurrence reported by this package.
type SecurityEvent struct {
	Kind    string // "auth_failed", "token_blacklisted", "rate_limited", "session_invalidated", "permission_denied"
	Subject string
	Detail  map[string]any
}

// SecurityEventFunc receives security events. Implementations must not block.
type SecurityEventFunc func(SecurityEvent)

// tokenClaims is the raw JWT claim set.
type tokenClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens against a shared secret and the
// blacklist. Safe for concurrent use.
type Verifier struct {
	secret    []byte
	blacklist *Blacklist
	onEvent   SecurityEventFunc
}

// NewVerifier creates a Verifier. blacklist may be nil to disable revocation
// checks (tests only). onEvent may be nil.
func NewVerifier(secret []byte, blacklist *Blacklist, onEvent SecurityEventFunc) *Verifier {
	if onEvent == nil {
		onEvent = func(SecurityEvent) {}
	}
	return &Verifier{secret: secret, blacklist: blacklist, onEvent: onEvent}
}

// Verify parses and validates token, returning its claims. Failure modes map
// to the sentinel errors: signature or structural problems → ErrAuthFailed,
// an exp claim in the past → ErrTokenExpired, a revoked jti →
// ErrTokenBlacklisted.
func (v *Verifier) Verify(token string) (*Claims, error) {
	var tc tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &tc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		v.onEvent(SecurityEvent{Kind: "auth_failed", Detail: map[string]any{"error": err.Error()}})
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !parsed.Valid {
		v.onEvent(SecurityEvent{Kind: "auth_failed"})
		return nil, ErrAuthFailed
	}
	if tc.Subject == "" || tc.ID == "" {
		v.onEvent(SecurityEvent{Kind: "auth_failed", Detail: map[string]any{"reason": "missing sub or jti"}})
		return nil, fmt.Errorf("%w: missing sub or jti claim", ErrAuthFailed)
	}

	if v.blacklist != nil && v.blacklist.Contains(tc.ID) {
		v.onEvent(SecurityEvent{Kind: "token_blacklisted", Subject: tc.Subject,
			Detail: map[string]any{"token_id": tc.ID}})
		return nil, ErrTokenBlacklisted
	}

	claims := &Claims{
		Subject:   tc.Subject,
		Role:      Role(tc.Role),
		TokenID:   tc.ID,
		SessionID: tc.SessionID,
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// Issue mints a new HS256 token for subject with the given role and ttl. It
// is used by the in-band rotation path (TOKEN_REFRESH) and by tests.
func (v *Verifier) Issue(subject string, role Role, sessionID, tokenID string, ttl time.Duration) (string, *Claims, error) {
	now := time.Now()
	tc := tokenClaims{
		Role:      string(role),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(v.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, &Claims{
		Subject:   subject,
		Role:      role,
		TokenID:   tokenID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// NeedsRotation reports whether the token behind claims should be rotated
// in-band: its remaining lifetime at now is below threshold.
func NeedsRotation(claims *Claims, now time.Time, threshold time.Duration) bool {
	return claims.Remaining(now) < threshold
}
