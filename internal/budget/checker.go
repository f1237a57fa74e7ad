// Package budget enforces per-tenant trailing-window spend limits ahead of
// provider invocation.
package budget

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
)

const (
	hourWindow  = time.Hour
	monthWindow = 30 * 24 * time.Hour

	// ReasonHourly and ReasonMonthly are the deny reasons surfaced to
	// callers; the execute path embeds them in its 429 error message.
	ReasonHourly  = "Hourly spending limit exceeded"
	ReasonMonthly = "Monthly spending limit exceeded"
)

// SpendSource sums charge_usd for a tenant since a point in time. The
// meter event store satisfies this.
type SpendSource interface {
	SumChargeSince(ctx context.Context, tenantID string, since time.Time) (float64, error)
}

// Decision is the outcome of one budget check.
type Decision struct {
	Allowed    bool
	Reason     string
	HTTPStatus int
}

var allow = Decision{Allowed: true}

// Checker evaluates spend limits against the meter event log, caching
// each tenant's decision for a short TTL to bound read amplification.
type Checker struct {
	source SpendSource
	ttl    time.Duration
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]cachedDecision

	now func() time.Time
}

type cachedDecision struct {
	decision  Decision
	expiresAt time.Time
}

// NewChecker creates a checker; ttl <= 0 falls back to one second.
func NewChecker(source SpendSource, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Checker{
		source: source,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[BudgetChecker] ", log.LstdFlags),
		cache:  make(map[string]cachedDecision),
		now:    time.Now,
	}
}

// Check evaluates the tenant's trailing-hour and trailing-month spend
// against limits. Nil limit fields skip their window; a tenant with no
// limits at all is always allowed and never cached.
func (c *Checker) Check(ctx context.Context, tenantID string, limits core.SpendLimits) (Decision, error) {
	if limits.MaxPerHourUSD == nil && limits.MaxPerMonthUSD == nil {
		return allow, nil
	}

	if d, ok := c.cached(tenantID); ok {
		return d, nil
	}

	now := c.now().UTC()
	decision := allow

	if limits.MaxPerHourUSD != nil {
		spent, err := c.source.SumChargeSince(ctx, tenantID, now.Add(-hourWindow))
		if err != nil {
			return Decision{}, err
		}
		if spent >= *limits.MaxPerHourUSD {
			decision = Decision{Reason: ReasonHourly, HTTPStatus: http.StatusTooManyRequests}
			c.logger.Printf("tenant %s over hourly limit: spent=%.4f limit=%.4f", tenantID, spent, *limits.MaxPerHourUSD)
		}
	}

	if decision.Allowed && limits.MaxPerMonthUSD != nil {
		spent, err := c.source.SumChargeSince(ctx, tenantID, now.Add(-monthWindow))
		if err != nil {
			return Decision{}, err
		}
		if spent >= *limits.MaxPerMonthUSD {
			decision = Decision{Reason: ReasonMonthly, HTTPStatus: http.StatusTooManyRequests}
			c.logger.Printf("tenant %s over monthly limit: spent=%.4f limit=%.4f", tenantID, spent, *limits.MaxPerMonthUSD)
		}
	}

	c.store(tenantID, decision)
	return decision, nil
}

// Invalidate drops the cached decision for a tenant, forcing the next
// check to hit the meter store.
func (c *Checker) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, tenantID)
}

func (c *Checker) cached(tenantID string) (Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[tenantID]
	if !ok || c.now().After(entry.expiresAt) {
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *Checker) store(tenantID string, d Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[tenantID] = cachedDecision{decision: d, expiresAt: c.now().Add(c.ttl)}
}
