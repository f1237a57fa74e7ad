package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/core"
)

type recordingReporter struct {
	reported []core.BillingPeriodSummary
	failOn   string // tenant id that triggers an error
}

func (r *recordingReporter) ReportUsage(_ context.Context, s core.BillingPeriodSummary) error {
	if r.failOn != "" && s.TenantID == r.failOn {
		return errors.New("processor unavailable")
	}
	r.reported = append(r.reported, s)
	return nil
}

func appendEvent(t *testing.T, store *MemoryStore, tenant string, charge float64, ts time.Time) {
	t.Helper()
	err := store.Append(context.Background(), &core.MeterEvent{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		Capability: core.CapabilityTextGeneration,
		Provider:   "openai",
		CostUSD:    charge / 1.3,
		ChargeUSD:  charge,
		DurationMS: 120,
		Timestamp:  ts,
	})
	require.NoError(t, err)
}

func TestAggregator_MaterializesClosedPeriods(t *testing.T) {
	store := NewMemoryStore()
	reporter := &recordingReporter{}
	agg := NewAggregator(store, reporter, AggregatorConfig{
		Period: 5 * time.Minute,
		Grace:  time.Minute,
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closed := now.Add(-20 * time.Minute)
	appendEvent(t, store, "tenant-a", 0.10, closed)
	appendEvent(t, store, "tenant-a", 0.05, closed.Add(time.Minute))
	// Inside the grace window: must not materialize yet.
	appendEvent(t, store, "tenant-a", 0.99, now.Add(-30*time.Second))

	require.NoError(t, agg.RunOnce(context.Background(), now))

	sums := store.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, int64(2), sums[0].EventCount)
	assert.InDelta(t, 0.15, sums[0].TotalChargeUSD, 1e-9)
	assert.Equal(t, closed.Truncate(5*time.Minute), sums[0].PeriodStart)

	require.Len(t, reporter.reported, 1)
	assert.Equal(t, "tenant-a", reporter.reported[0].TenantID)
	require.Len(t, store.Reports(), 1)
}

func TestAggregator_ReaggregationIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	reporter := &recordingReporter{}
	agg := NewAggregator(store, reporter, AggregatorConfig{Period: 5 * time.Minute})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendEvent(t, store, "tenant-a", 0.10, now.Add(-30*time.Minute))

	require.NoError(t, agg.RunOnce(context.Background(), now))
	require.NoError(t, agg.RunOnce(context.Background(), now.Add(5*time.Minute)))

	assert.Len(t, store.Summaries(), 1)
	assert.Len(t, store.Reports(), 1, "report key prevents double reporting")
	assert.Len(t, reporter.reported, 1)
}

func TestAggregator_ZeroChargePeriodsAreMarkedNotReported(t *testing.T) {
	store := NewMemoryStore()
	reporter := &recordingReporter{}
	agg := NewAggregator(store, reporter, AggregatorConfig{Period: 5 * time.Minute})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendEvent(t, store, "tenant-byok", 0, now.Add(-30*time.Minute))

	require.NoError(t, agg.RunOnce(context.Background(), now))

	assert.Empty(t, reporter.reported, "zero charge must not reach the processor")
	assert.Len(t, store.Reports(), 1, "zero charge is still marked settled")
}

func TestAggregator_StopsReportingOnFirstFailure(t *testing.T) {
	store := NewMemoryStore()
	reporter := &recordingReporter{failOn: "tenant-bad"}
	agg := NewAggregator(store, reporter, AggregatorConfig{Period: 5 * time.Minute})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendEvent(t, store, "tenant-bad", 0.10, now.Add(-40*time.Minute))
	appendEvent(t, store, "tenant-ok", 0.20, now.Add(-30*time.Minute))

	err := agg.RunOnce(context.Background(), now)
	require.Error(t, err)

	// Oldest first: the failing period blocks everything behind it.
	assert.Empty(t, store.Reports())
	assert.Empty(t, reporter.reported)

	// Processor recovers; next tick drains both.
	reporter.failOn = ""
	require.NoError(t, agg.RunOnce(context.Background(), now.Add(5*time.Minute)))
	assert.Len(t, store.Reports(), 2)
}

func TestAggregator_NilReporterMarksOnly(t *testing.T) {
	store := NewMemoryStore()
	agg := NewAggregator(store, nil, AggregatorConfig{Period: 5 * time.Minute})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	appendEvent(t, store, "tenant-a", 0.10, now.Add(-30*time.Minute))

	require.NoError(t, agg.RunOnce(context.Background(), now))
	assert.Len(t, store.Reports(), 1)
}

func TestMemoryStore_SumChargeSince(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	appendEvent(t, store, "tenant-a", 1.00, now.Add(-2*time.Hour))
	appendEvent(t, store, "tenant-a", 0.25, now.Add(-30*time.Minute))
	appendEvent(t, store, "tenant-b", 9.00, now.Add(-10*time.Minute))

	total, err := store.SumChargeSince(context.Background(), "tenant-a", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, total, 1e-9)
}
