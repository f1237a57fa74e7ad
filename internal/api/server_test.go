package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/circuitbreaker"
	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/deletion"
	"github.com/wopr-platform/controlplane/internal/gateway"
	"github.com/wopr-platform/controlplane/internal/ledger"
	"github.com/wopr-platform/controlplane/internal/metering"
	"github.com/wopr-platform/controlplane/internal/middleware"
	"github.com/wopr-platform/controlplane/internal/tenants"
)

type echoAdapter struct {
	gateway.UnimplementedAdapter
	fail error
}

func (a *echoAdapter) Name() string     { return "echo" }
func (a *echoAdapter) SelfHosted() bool { return true }
func (a *echoAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityTextGeneration}
}

func (a *echoAdapter) GenerateText(_ context.Context, inv gateway.Invocation) (*gateway.Outcome, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	return &gateway.Outcome{Result: inv.Input["prompt"], CostUSD: 0.01}, nil
}

type testEnv struct {
	server  *Server
	router  http.Handler
	adapter *echoAdapter
	meter   *metering.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	meter := metering.NewMemoryStore()
	book := ledger.New(ledger.NewMemoryStore())

	adapter := &echoAdapter{}
	socket := gateway.NewAdapterSocket(nil, meter)
	socket.Register(adapter)

	dir := tenants.NewMemoryDirectory()
	dir.Put(tenants.Tenant{TenantID: "tenant-a", Status: "active"})

	auth := newAuthWith(map[string]middleware.Grant{
		"wopr_read_r1":  {TenantID: "tenant-a", Scope: middleware.ScopeRead},
		"wopr_write_w1": {TenantID: "tenant-a", Scope: middleware.ScopeWrite},
		"wopr_admin_a1": {TenantID: "tenant-ops", Scope: middleware.ScopeAdmin},
	})

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("api"),
		circuitbreaker.NewMemoryRepository())

	server := NewServer(Deps{
		Ledger:   book,
		Socket:   socket,
		Tenants:  dir,
		Auth:     auth,
		Deletion: deletion.NewExecutor(deletion.NewMemoryStore(), nil, nil),
		Breaker:  breaker,
	})

	return &testEnv{server: server, router: server.Router(), adapter: adapter, meter: meter}
}

func newAuthWith(grants map[string]middleware.Grant) *middleware.Authenticator {
	a := middleware.NewAuthenticator()
	for token, g := range grants {
		a.RegisterGrant(token, g)
	}
	return a
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestExecute_Success(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/execute/text-generation", "wopr_write_w1",
		map[string]interface{}{"input": map[string]interface{}{"prompt": "hello"}})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"result":"hello"}`, rec.Body.String())
	assert.Len(t, env.meter.Events(), 1)
}

func TestExecute_RequiresWriteScope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/execute/text-generation", "wopr_read_r1",
		map[string]interface{}{"input": map[string]interface{}{}})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t,
		`{"error":"Insufficient scope","required":"write","provided":"read"}`,
		rec.Body.String())
}

func TestExecute_UnknownCapability(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/execute/telepathy", "wopr_write_w1",
		map[string]interface{}{"input": map[string]interface{}{}})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestExecute_ProviderFailureIs502(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fail = fmt.Errorf("provider unavailable")

	rec := env.do(http.MethodPost, "/api/execute/text-generation", "wopr_write_w1",
		map[string]interface{}{"input": map[string]interface{}{}})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, env.meter.Events(), "failed calls leave no meter event")
}

func TestExecute_ProviderTimeoutIs504(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.fail = fmt.Errorf("generate text: %w", context.DeadlineExceeded)

	rec := env.do(http.MethodPost, "/api/execute/text-generation", "wopr_write_w1",
		map[string]interface{}{"input": map[string]interface{}{}})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Empty(t, env.meter.Events())
}

func TestCredits_CreditAndBalance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/credits/tenant-a/credit", "wopr_write_w1", creditRequest{
		Amount: 1000, Type: core.TxPurchase, ReferenceID: "stripe_cs_XYZ",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tx core.CreditTransaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tx))
	assert.Equal(t, core.Credit(1000), tx.BalanceAfter)

	rec = env.do(http.MethodGet, "/api/credits/tenant-a/balance", "wopr_read_r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var balance struct {
		BalanceCredits core.Credit `json:"balance_credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, core.Credit(1000), balance.BalanceCredits)
}

func TestCredits_DuplicateReferenceIsSuccess(t *testing.T) {
	env := newTestEnv(t)

	body := creditRequest{Amount: 1000, Type: core.TxPurchase, ReferenceID: "stripe_cs_XYZ"}
	require.Equal(t, http.StatusCreated,
		env.do(http.MethodPost, "/api/credits/tenant-a/credit", "wopr_write_w1", body).Code)

	rec := env.do(http.MethodPost, "/api/credits/tenant-a/credit", "wopr_write_w1", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status         string      `json:"status"`
		BalanceCredits core.Credit `json:"balance_credits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp.Status)
	assert.Equal(t, core.Credit(1000), resp.BalanceCredits, "balance unchanged by the replay")
}

func TestCredits_CrossTenantAccessDenied(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/credits/tenant-b/balance", "wopr_read_r1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin tokens cross tenant boundaries.
	rec = env.do(http.MethodGet, "/api/credits/tenant-b/balance", "wopr_admin_a1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCredits_UnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/credits/tenant-a/credit", "wopr_write_w1", creditRequest{
		Amount: 100, Type: "giveaway",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteTenant_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodDelete, "/api/tenants/tenant-a", "wopr_write_w1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/api/tenants/tenant-a", "wopr_admin_a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary deletion.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "tenant-a", summary.TenantID)
}

func TestHealth_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignIn_ResolvesToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/auth/sign-in", "",
		map[string]string{"token": "wopr_write_w1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant_id":"tenant-a","scope":"write"}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/auth/sign-in", "",
		map[string]string{"token": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
