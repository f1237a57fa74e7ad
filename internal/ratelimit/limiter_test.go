package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(store.Close)
	return New(store, DefaultRules(300, 60, 120, 60)), store
}

func TestLimiter_LoginWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "attempt %d should pass", i)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 5-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sixth attempt must be rejected")
	assert.Zero(t, res.Remaining)
	assert.GreaterOrEqual(t, res.RetryAfter, 1)
}

func TestLimiter_WindowResets(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(store.Close)
	l := New(store, DefaultRules(300, 60, 120, 60))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	}
	res, err := l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	l.now = func() time.Time { return base.Add(15 * time.Minute) }
	res, err = l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a fresh window starts after expiry")
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_ResetRoundsUpMidSecondWindows(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(store.Close)
	l := New(store, DefaultRules(300, 60, 120, 60))
	ctx := context.Background()

	// Window opens half a second in: the end lands mid-second and the
	// advertised reset must round up to the next whole second.
	base := time.Unix(1000, 500*int64(time.Millisecond))
	l.now = func() time.Time { return base }

	res, err := l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	require.NoError(t, err)

	rule := l.rules.Match("POST", "/api/auth/sign-in")
	end := base.Add(rule.Window)
	assert.Equal(t, end.Unix()+1, res.Reset, "mid-second window end rounds up")

	// A whole-second window start needs no rounding.
	whole := time.Unix(2000, 0)
	l.now = func() time.Time { return whole }
	res, err = l.Allow(ctx, "5.6.7.8", "POST", "/api/auth/sign-in")
	require.NoError(t, err)
	assert.Equal(t, whole.Add(rule.Window).Unix(), res.Reset)
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	}
	res, err := l.Allow(ctx, "1.2.3.4", "POST", "/api/auth/sign-in")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Same key, different scope: its own window.
	res, err = l.Allow(ctx, "1.2.3.4", "GET", "/api/credits/balance")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "api", res.Scope)
}

func TestRules_FirstWins(t *testing.T) {
	rules := DefaultRules(300, 60, 120, 60)

	assert.Equal(t, "auth-login", rules.Match("POST", "/api/auth/sign-in").Scope)
	assert.Equal(t, "api", rules.Match("GET", "/api/auth/sign-in").Scope, "method must match too")
	assert.Equal(t, "llm", rules.Match("POST", "/api/execute/text-generation").Scope)
	assert.Equal(t, "api", rules.Match("GET", "/anything/else").Scope)
}

func TestClientKey_TrustedProxyOnly(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	assert.Equal(t, "203.0.113.7", ClientKey(req, []string{"10.0.0.1"}),
		"trusted proxy exposes the first forwarded hop")
	assert.Equal(t, "10.0.0.1", ClientKey(req, nil),
		"untrusted peer cannot spoof its key via XFF")

	bare := httptest.NewRequest("GET", "/", nil)
	bare.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientKey(bare, []string{"10.0.0.1"}),
		"trusted proxy without XFF falls back to peer")
}

func TestMiddleware_IndependentForwardedKeys(t *testing.T) {
	l, _ := newTestLimiter(t)
	handler := Middleware(l, []string{"10.0.0.1"})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	post := func(xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/auth/sign-in", nil)
		req.RemoteAddr = "10.0.0.1:9999"
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, post("198.51.100.1").Code)
	}

	// Different forwarded client behind the same proxy gets its own window.
	assert.Equal(t, http.StatusOK, post("198.51.100.2").Code)

	rec := post("198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, rec.Body.String())

	reset, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, reset, time.Now().Unix())
}
