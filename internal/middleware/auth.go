// Package middleware carries the HTTP request plumbing shared by every
// API surface: bearer authentication with scoped tokens and the request
// context accessors the handlers read from.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wopr-platform/controlplane/internal/config"
)

// Scope is a named privilege class attached to a bearer token.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// scopeRank orders privileges: admin covers write covers read.
var scopeRank = map[Scope]int{
	ScopeRead:  1,
	ScopeWrite: 2,
	ScopeAdmin: 3,
}

// Covers reports whether a token holding s satisfies a required scope.
func (s Scope) Covers(required Scope) bool {
	return scopeRank[s] >= scopeRank[required]
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	_, ok := scopeRank[s]
	return ok
}

// Grant is the identity a validated token resolves to.
type Grant struct {
	TenantID string
	Scope    Scope
}

type contextKey string

const grantKey contextKey = "auth-grant"

// WithGrant attaches the grant to the context. Exposed for tests and
// internal call paths that bypass HTTP.
func WithGrant(ctx context.Context, g Grant) context.Context {
	return context.WithValue(ctx, grantKey, g)
}

// GrantFrom returns the grant attached by RequireScope, if any.
func GrantFrom(ctx context.Context) (Grant, bool) {
	g, ok := ctx.Value(grantKey).(Grant)
	return g, ok
}

// Authenticator resolves bearer tokens to grants. Tokens minted by the
// platform (wopr_<scope>_<random>) must be registered before they
// resolve; configured tokens come from FLEET_TOKEN_<TENANT> variables.
type Authenticator struct {
	tokens map[string]Grant
}

// NewAuthenticator builds an authenticator seeded from configuration.
func NewAuthenticator() *Authenticator {
	a := &Authenticator{tokens: make(map[string]Grant)}
	for token, grant := range config.FleetTokens() {
		scope := Scope(grant.Scope)
		if !scope.Valid() {
			continue
		}
		a.tokens[token] = Grant{TenantID: grant.TenantID, Scope: scope}
	}
	return a
}

// Register binds a minted token to a tenant. The token's scope is read
// from the token itself; malformed tokens are rejected by Resolve.
func (a *Authenticator) Register(token, tenantID string) {
	scope, ok := InlineScope(token)
	if !ok {
		return
	}
	a.tokens[token] = Grant{TenantID: tenantID, Scope: scope}
}

// RegisterGrant binds a token to an explicit grant, bypassing inline
// scope parsing. Invalid scopes are ignored.
func (a *Authenticator) RegisterGrant(token string, g Grant) {
	if !g.Scope.Valid() {
		return
	}
	a.tokens[token] = g
}

// Resolve maps a raw bearer token to its grant.
func (a *Authenticator) Resolve(token string) (Grant, bool) {
	g, ok := a.tokens[token]
	return g, ok
}

// InlineScope extracts the scope a wopr_<scope>_<random> token carries.
func InlineScope(token string) (Scope, bool) {
	rest, ok := strings.CutPrefix(token, "wopr_")
	if !ok {
		return "", false
	}
	name, random, ok := strings.Cut(rest, "_")
	if !ok || random == "" {
		return "", false
	}
	scope := Scope(name)
	return scope, scope.Valid()
}

// RequireScope authenticates the request and enforces the required
// privilege before handing off. The resolved grant is placed on the
// request context for handlers.
func (a *Authenticator) RequireScope(required Scope, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized,
				map[string]string{"error": "Authentication required"})
			return
		}

		grant, ok := a.Resolve(token)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized,
				map[string]string{"error": "Invalid or expired token"})
			return
		}

		if !grant.Scope.Covers(required) {
			writeAuthError(w, http.StatusForbidden, map[string]string{
				"error":    "Insufficient scope",
				"required": string(required),
				"provided": string(grant.Scope),
			})
			return
		}

		next(w, r.WithContext(WithGrant(r.Context(), grant)))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
