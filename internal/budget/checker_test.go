package budget

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/core"
)

type stubSpend struct {
	hourly  float64
	monthly float64
	calls   int
}

func (s *stubSpend) SumChargeSince(_ context.Context, _ string, since time.Time) (float64, error) {
	s.calls++
	if time.Since(since) < 2*time.Hour {
		return s.hourly, nil
	}
	return s.monthly, nil
}

func limitsUSD(hour, month float64) core.SpendLimits {
	l := core.SpendLimits{}
	if hour > 0 {
		l.MaxPerHourUSD = &hour
	}
	if month > 0 {
		l.MaxPerMonthUSD = &month
	}
	return l
}

func TestChecker_AllowsUnderLimit(t *testing.T) {
	c := NewChecker(&stubSpend{hourly: 0.10, monthly: 0.10}, time.Second)

	d, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 5.00))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestChecker_DeniesOverHourlyLimit(t *testing.T) {
	c := NewChecker(&stubSpend{hourly: 0.60, monthly: 0.60}, time.Second)

	d, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonHourly, d.Reason)
	assert.Equal(t, http.StatusTooManyRequests, d.HTTPStatus)
}

func TestChecker_DeniesOverMonthlyLimit(t *testing.T) {
	c := NewChecker(&stubSpend{hourly: 0.10, monthly: 12.00}, time.Second)

	d, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 10.00))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMonthly, d.Reason)
}

func TestChecker_HourlyTakesPrecedence(t *testing.T) {
	c := NewChecker(&stubSpend{hourly: 1.00, monthly: 100.00}, time.Second)

	d, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 10.00))
	require.NoError(t, err)
	assert.Equal(t, ReasonHourly, d.Reason)
}

func TestChecker_MissingLimitsSkipCheck(t *testing.T) {
	src := &stubSpend{hourly: 999, monthly: 999}
	c := NewChecker(src, time.Second)

	d, err := c.Check(context.Background(), "tenant-a", core.SpendLimits{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, src.calls, "no limits means no meter reads")
}

func TestChecker_CachesWithinTTL(t *testing.T) {
	src := &stubSpend{hourly: 0.10}
	c := NewChecker(src, time.Minute)

	base := time.Now()
	c.now = func() time.Time { return base }

	_, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	first := src.calls

	_, err = c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	assert.Equal(t, first, src.calls, "second check within TTL must hit the cache")

	// Past the TTL the meter store is consulted again.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	assert.Greater(t, src.calls, first)
}

func TestChecker_InvalidateDropsCache(t *testing.T) {
	src := &stubSpend{hourly: 0.10}
	c := NewChecker(src, time.Minute)

	_, err := c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	before := src.calls

	c.Invalidate("tenant-a")
	_, err = c.Check(context.Background(), "tenant-a", limitsUSD(0.50, 0))
	require.NoError(t, err)
	assert.Greater(t, src.calls, before)
}
