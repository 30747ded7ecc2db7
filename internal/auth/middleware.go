package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Claims represents the parsed token claims.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Scopes  []string `json:"scopes"`
}

// ContextKey is used for storing claims in request context.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
)

const (
	RoleClinician = "clinician"
	RolePatient   = "patient"
)

const (
	ScopeRead      = "read"
	ScopeControl   = "control"
	ScopeTelemetry = "telemetry"
	ScopePlan      = "plan"
)

// TokenVerifier verifies a raw bearer token.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

// Compile-time assertion that Verifier implements TokenVerifier
var _ TokenVerifier = (*Verifier)(nil)

// Middleware handles authentication and authorization.
type Middleware struct {
	verifier TokenVerifier
	disabled bool
}

// localOperator is attached to every request when auth is disabled.
var localOperator = &Claims{
	Subject: "local-operator",
	Roles:   []string{RoleClinician},
	Scopes:  []string{ScopeRead, ScopeControl, ScopeTelemetry, ScopePlan},
}

// NewMiddleware creates auth middleware backed by verifier.
func NewMiddleware(verifier TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// NewDisabledMiddleware accepts every request as a local clinician. Intended
// for bench setups where the HMI and the device share an isolated network.
func NewDisabledMiddleware() *Middleware {
	return &Middleware{disabled: true}
}

// Handler wraps next so that it requires a valid token. Claims are stored in
// the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), localOperator)))
			return
		}

		token, err := extractToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}

		claims, err := m.verifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAuth is Handler for a HandlerFunc.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return m.Handler(next).ServeHTTP
}

// RequireScope creates middleware that requires all of the given scopes.
func (m *Middleware) RequireScope(requiredScopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			if !HasScopes(claims, requiredScopes...) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next(w, r)
		}
	}
}

// RequireRole creates middleware that requires any of the given roles.
func (m *Middleware) RequireRole(requiredRoles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			if !HasAnyRole(claims, requiredRoles...) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next(w, r)
		}
	}
}

// extractToken reads the bearer token from the Authorization header, or
// from the access_token query parameter for EventSource and WebSocket
// clients that cannot set headers.
func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if q := r.URL.Query().Get("access_token"); q != "" {
			return q, nil
		}
		return "", fmt.Errorf("missing Authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}

	return token, nil
}

func (m *Middleware) verifyToken(token string) (*Claims, error) {
	if m.verifier == nil {
		return nil, fmt.Errorf("no token verifier configured")
	}
	return m.verifier.VerifyToken(token)
}

// HasScopes reports whether claims carry every required scope.
func HasScopes(claims *Claims, required ...string) bool {
	if claims == nil {
		return false
	}
	for _, want := range required {
		found := false
		for _, scope := range claims.Scopes {
			if scope == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasAnyRole reports whether claims carry one of the roles. An empty list
// is satisfied by any claims.
func HasAnyRole(claims *Claims, roles ...string) bool {
	if claims == nil {
		return false
	}
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		for _, role := range claims.Roles {
			if role == want {
				return true
			}
		}
	}
	return false
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// ClaimsFromContext returns the claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok && claims != nil
}

// writeError writes an error response in the API envelope format.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"result":        "error",
		"code":          code,
		"message":       message,
		"correlationId": uuid.NewString(),
	})
}
