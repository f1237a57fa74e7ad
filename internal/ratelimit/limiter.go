// Package ratelimit implements fixed-window request limiting with
// pluggable counter stores (memory, Postgres, Redis).
package ratelimit

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// Store increments the counter for (key, scope) inside its current
// window. If the recorded window start is older than window, the window
// resets to now with a count of one. Returns the count after increment
// and the window start in effect.
type Store interface {
	Hit(ctx context.Context, key, scope string, window time.Duration, now time.Time) (count int64, windowStart time.Time, err error)
}

// Result is one limiter verdict plus the header material that goes with it.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      int64 // epoch seconds of window end, rounded up
	RetryAfter int   // seconds until reset, exceeded responses only
	Scope      string
}

// Limiter evaluates requests against a rule table backed by a counter store.
type Limiter struct {
	store  Store
	rules  Rules
	logger *log.Logger

	now func() time.Time
}

// New creates a limiter over the given store and rules.
func New(store Store, rules Rules) *Limiter {
	return &Limiter{
		store:  store,
		rules:  rules,
		logger: log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Allow counts one hit for key under the rule matching (method, path) and
// reports whether it stays within the rule's max.
func (l *Limiter) Allow(ctx context.Context, key, method, path string) (Result, error) {
	rule := l.rules.Match(method, path)
	return l.allowRule(ctx, key, rule)
}

// AllowScope counts one hit against an explicitly named rule scope,
// bypassing path matching. Unknown scopes fall back to the default rule.
func (l *Limiter) AllowScope(ctx context.Context, key, scope string) (Result, error) {
	rule := l.rules.ByScope(scope)
	return l.allowRule(ctx, key, rule)
}

func (l *Limiter) allowRule(ctx context.Context, key string, rule Rule) (Result, error) {
	now := l.now().UTC()
	count, windowStart, err := l.store.Hit(ctx, key, rule.Scope, rule.Window, now)
	if err != nil {
		return Result{}, err
	}

	// Reset rounds up so a client that waits until the advertised second
	// always lands in a fresh window.
	end := windowStart.Add(rule.Window)
	reset := end.Unix()
	if end.Nanosecond() > 0 {
		reset++
	}
	res := Result{
		Allowed: count <= int64(rule.Max),
		Limit:   rule.Max,
		Reset:   reset,
		Scope:   rule.Scope,
	}
	if remaining := int64(rule.Max) - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !res.Allowed {
		retry := int(end.Sub(now).Seconds())
		if float64(retry) < end.Sub(now).Seconds() {
			retry++
		}
		if retry < 1 {
			retry = 1
		}
		res.RetryAfter = retry
		l.logger.Printf("limit exceeded: key=%s scope=%s count=%d max=%d", key, rule.Scope, count, rule.Max)
	}
	return res, nil
}

// ClientKey derives the limiter key for a request. The first
// X-Forwarded-For value is honored only when the peer address belongs to
// the trusted proxy set; any other peer is keyed by its own address, so a
// client cannot spoof its way into a fresh window.
func ClientKey(r *http.Request, trustedProxies []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if p == peer {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	if first == "" {
		return peer
	}
	return first
}
