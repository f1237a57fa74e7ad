package metering

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
)

// MemoryStore is an in-process BillingStore for tests and database-less
// dev runs.
type MemoryStore struct {
	mu        sync.Mutex
	events    []core.MeterEvent
	summaries map[summaryKey]core.BillingPeriodSummary
	reports   map[summaryKey]core.ExternalUsageReport
}

type summaryKey struct {
	tenantID    string
	capability  core.Capability
	provider    string
	periodStart int64 // unix seconds
}

func keyOf(tenantID string, cap core.Capability, provider string, start time.Time) summaryKey {
	return summaryKey{tenantID, cap, provider, start.Unix()}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[summaryKey]core.BillingPeriodSummary),
		reports:   make(map[summaryKey]core.ExternalUsageReport),
	}
}

func (s *MemoryStore) Append(_ context.Context, ev *core.MeterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// Events returns every appended event. Test helper.
func (s *MemoryStore) Events() []core.MeterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.MeterEvent(nil), s.events...)
}

func (s *MemoryStore) SumChargeSince(_ context.Context, tenantID string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	for _, ev := range s.events {
		if ev.TenantID == tenantID && !ev.Timestamp.Before(since) {
			total += ev.ChargeUSD
		}
	}
	return total, nil
}

func (s *MemoryStore) EventsInRange(_ context.Context, tenantID string, from, to time.Time, limit int) ([]core.MeterEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var out []core.MeterEvent
	for _, ev := range s.events {
		if ev.TenantID != tenantID || ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) SummarizePeriods(_ context.Context, from, to time.Time, period time.Duration) ([]core.BillingPeriodSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := make(map[summaryKey]*core.BillingPeriodSummary)
	for _, ev := range s.events {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		start := ev.Timestamp.Truncate(period)
		k := keyOf(ev.TenantID, ev.Capability, ev.Provider, start)
		sum, ok := acc[k]
		if !ok {
			sum = &core.BillingPeriodSummary{
				TenantID:    ev.TenantID,
				Capability:  ev.Capability,
				Provider:    ev.Provider,
				PeriodStart: start,
			}
			acc[k] = sum
		}
		sum.EventCount++
		sum.TotalCostUSD += ev.CostUSD
		sum.TotalChargeUSD += ev.ChargeUSD
		sum.TotalDurationMS += ev.DurationMS
	}

	out := make([]core.BillingPeriodSummary, 0, len(acc))
	for _, sum := range acc {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (s *MemoryStore) UpsertSummary(_ context.Context, sum core.BillingPeriodSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[keyOf(sum.TenantID, sum.Capability, sum.Provider, sum.PeriodStart)] = sum
	return nil
}

func (s *MemoryStore) UnreportedSummaries(_ context.Context, limit int) ([]core.BillingPeriodSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []core.BillingPeriodSummary
	for k, sum := range s.summaries {
		if _, reported := s.reports[k]; !reported {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertUsageReport(_ context.Context, r core.ExternalUsageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[keyOf(r.TenantID, r.Capability, r.Provider, r.PeriodStart)] = r
	return nil
}

// Reports returns recorded usage reports. Test helper.
func (s *MemoryStore) Reports() []core.ExternalUsageReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.ExternalUsageReport, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out
}

// Summaries returns materialized summaries oldest first. Test helper.
func (s *MemoryStore) Summaries() []core.BillingPeriodSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.BillingPeriodSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out
}
