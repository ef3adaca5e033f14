// Package rest provides the HTTP surface of the control plane: token
// verification, command execution, agent status, health probes, and metrics.
//
// # Authentication flow
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware:
//  1. Extracts the Bearer token from the Authorization header.
//  2. Verifies it with the shared HS256 verifier, including the blacklist.
//  3. Injects the verified claims into the request context.
//
// On any failure the middleware responds with HTTP 401 and a JSON error body;
// it does NOT call the next handler.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tdoan35/onsembl-sub008/internal/auth"
)

// ─── Context key ─────────────────────────────────────────────────────────────

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// ClaimsFromContext retrieves the verified claims injected by [AuthMiddleware].
// It returns (nil, false) when no claims are present (unauthenticated request
// or middleware not in the chain).
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

// ─── Middleware ──────────────────────────────────────────────────────────────

// AuthMiddleware returns a chi-compatible middleware enforcing HS256 bearer
// tokens on every request it wraps. Verified claims are stored in the request
// context; retrieve them with [ClaimsFromContext].
func AuthMiddleware(verifier *auth.Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok || token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("rest: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Any("error", err),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeJSONError writes an HTTP error response with a JSON body.
// It sets the Content-Type header before writing the status code so that
// the header is included even when ResponseWriter buffers are flushed early.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}

// writeJSON writes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
