package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator() *Authenticator {
	a := &Authenticator{tokens: make(map[string]Grant)}
	a.tokens["wopr_read_aaaa"] = Grant{TenantID: "tenant-a", Scope: ScopeRead}
	a.tokens["wopr_write_bbbb"] = Grant{TenantID: "tenant-a", Scope: ScopeWrite}
	a.tokens["wopr_admin_cccc"] = Grant{TenantID: "tenant-ops", Scope: ScopeAdmin}
	a.tokens["legacy-token"] = Grant{TenantID: "tenant-b", Scope: ScopeWrite}
	return a
}

func doRequest(a *Authenticator, required Scope, token string) (*httptest.ResponseRecorder, *Grant) {
	var seen *Grant
	handler := a.RequireScope(required, func(w http.ResponseWriter, r *http.Request) {
		if g, ok := GrantFrom(r.Context()); ok {
			seen = &g
		}
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/thing", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec, seen
}

func TestRequireScope_MissingToken(t *testing.T) {
	rec, _ := doRequest(newTestAuthenticator(), ScopeRead, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication required"}`, rec.Body.String())
}

func TestRequireScope_UnknownToken(t *testing.T) {
	rec, _ := doRequest(newTestAuthenticator(), ScopeRead, "wopr_admin_forged")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid or expired token"}`, rec.Body.String())
}

func TestRequireScope_InsufficientScope(t *testing.T) {
	rec, _ := doRequest(newTestAuthenticator(), ScopeAdmin, "wopr_write_bbbb")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t,
		`{"error":"Insufficient scope","required":"admin","provided":"write"}`,
		rec.Body.String())
}

func TestRequireScope_HigherScopeCoversLower(t *testing.T) {
	rec, grant := doRequest(newTestAuthenticator(), ScopeRead, "wopr_admin_cccc")

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, grant)
	assert.Equal(t, "tenant-ops", grant.TenantID)
	assert.Equal(t, ScopeAdmin, grant.Scope)
}

func TestRequireScope_ConfiguredTokenWithoutPrefix(t *testing.T) {
	rec, grant := doRequest(newTestAuthenticator(), ScopeWrite, "legacy-token")

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, grant)
	assert.Equal(t, "tenant-b", grant.TenantID)
}

func TestRegister_ScopeComesFromToken(t *testing.T) {
	a := &Authenticator{tokens: make(map[string]Grant)}
	a.Register("wopr_write_d34db33f", "tenant-c")

	grant, ok := a.Resolve("wopr_write_d34db33f")
	require.True(t, ok)
	assert.Equal(t, Grant{TenantID: "tenant-c", Scope: ScopeWrite}, grant)

	// Malformed tokens never make it into the table.
	a.Register("wopr_root_ffff", "tenant-c")
	_, ok = a.Resolve("wopr_root_ffff")
	assert.False(t, ok)
}

func TestInlineScope(t *testing.T) {
	scope, ok := InlineScope("wopr_admin_1234")
	require.True(t, ok)
	assert.Equal(t, ScopeAdmin, scope)

	_, ok = InlineScope("wopr_admin_")
	assert.False(t, ok)
	_, ok = InlineScope("sk-something-else")
	assert.False(t, ok)
}
