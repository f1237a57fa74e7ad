// Package metering owns the append-only usage event log and the
// aggregation pipeline that folds raw events into billing-period
// summaries and external usage reports.
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/database"
)

// Store is the durable append log of meter events. Append is total: a
// persist failure must surface to the gateway caller.
type Store interface {
	Append(ctx context.Context, ev *core.MeterEvent) error
	SumChargeSince(ctx context.Context, tenantID string, since time.Time) (float64, error)
	EventsInRange(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]core.MeterEvent, error)
}

// BillingStore extends the event log with the summary and report tables
// the aggregator drives.
type BillingStore interface {
	Store

	// SummarizePeriods groups events in [from, to) into fixed periods.
	SummarizePeriods(ctx context.Context, from, to time.Time, period time.Duration) ([]core.BillingPeriodSummary, error)

	// UpsertSummary materializes one summary; the unique period key makes
	// re-aggregation idempotent.
	UpsertSummary(ctx context.Context, s core.BillingPeriodSummary) error

	// UnreportedSummaries returns summaries with no matching external
	// usage report, oldest first.
	UnreportedSummaries(ctx context.Context, limit int) ([]core.BillingPeriodSummary, error)

	// InsertUsageReport records that a summary was reported upstream.
	InsertUsageReport(ctx context.Context, r core.ExternalUsageReport) error
}

// ============================================================================
// POSTGRES BACKEND
// ============================================================================

// PostgresStore is the default meter event + billing store.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, ev *core.MeterEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meter_events
			(id, tenant_id, capability, provider, cost_usd, charge_usd, duration_ms, session_id, tier, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		ev.ID, ev.TenantID, ev.Capability, ev.Provider, ev.CostUSD, ev.ChargeUSD,
		ev.DurationMS, ev.SessionID, ev.Tier, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append meter event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumChargeSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(charge_usd), 0) FROM meter_events
		 WHERE tenant_id = $1 AND ts >= $2`, tenantID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum charge: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) EventsInRange(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]core.MeterEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, capability, provider, cost_usd, charge_usd, duration_ms,
			COALESCE(session_id, ''), COALESCE(tier, ''), ts
		 FROM meter_events
		 WHERE tenant_id = $1 AND ts >= $2 AND ts < $3
		 ORDER BY ts
		 LIMIT $4`, tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("meter events range: %w", err)
	}
	defer rows.Close()

	var out []core.MeterEvent
	for rows.Next() {
		var ev core.MeterEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Capability, &ev.Provider,
			&ev.CostUSD, &ev.ChargeUSD, &ev.DurationMS, &ev.SessionID, &ev.Tier, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("meter events scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SummarizePeriods(ctx context.Context, from, to time.Time, period time.Duration) ([]core.BillingPeriodSummary, error) {
	secs := int64(period / time.Second)
	if secs <= 0 {
		secs = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, capability, provider,
			to_timestamp(floor(extract(epoch FROM ts) / $1) * $1) AS period_start,
			COUNT(*), SUM(cost_usd), SUM(charge_usd), SUM(duration_ms)
		 FROM meter_events
		 WHERE ts >= $2 AND ts < $3
		 GROUP BY tenant_id, capability, provider, period_start
		 ORDER BY period_start`, secs, from, to)
	if err != nil {
		return nil, fmt.Errorf("summarize periods: %w", err)
	}
	defer rows.Close()

	var out []core.BillingPeriodSummary
	for rows.Next() {
		var s core.BillingPeriodSummary
		if err := rows.Scan(&s.TenantID, &s.Capability, &s.Provider, &s.PeriodStart,
			&s.EventCount, &s.TotalCostUSD, &s.TotalChargeUSD, &s.TotalDurationMS); err != nil {
			return nil, fmt.Errorf("summarize scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSummary(ctx context.Context, sum core.BillingPeriodSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_period_summaries
			(tenant_id, capability, provider, period_start, event_count, total_cost_usd, total_charge_usd, total_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, capability, provider, period_start) DO UPDATE SET
			event_count = EXCLUDED.event_count,
			total_cost_usd = EXCLUDED.total_cost_usd,
			total_charge_usd = EXCLUDED.total_charge_usd,
			total_duration_ms = EXCLUDED.total_duration_ms`,
		sum.TenantID, sum.Capability, sum.Provider, sum.PeriodStart,
		sum.EventCount, sum.TotalCostUSD, sum.TotalChargeUSD, sum.TotalDurationMS)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnreportedSummaries(ctx context.Context, limit int) ([]core.BillingPeriodSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.tenant_id, b.capability, b.provider, b.period_start,
			b.event_count, b.total_cost_usd, b.total_charge_usd, b.total_duration_ms
		 FROM billing_period_summaries b
		 LEFT JOIN external_usage_reports r
			ON r.tenant_id = b.tenant_id AND r.capability = b.capability
			AND r.provider = b.provider AND r.period_start = b.period_start
		 WHERE r.tenant_id IS NULL
		 ORDER BY b.period_start
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("unreported summaries: %w", err)
	}
	defer rows.Close()

	var out []core.BillingPeriodSummary
	for rows.Next() {
		var s core.BillingPeriodSummary
		if err := rows.Scan(&s.TenantID, &s.Capability, &s.Provider, &s.PeriodStart,
			&s.EventCount, &s.TotalCostUSD, &s.TotalChargeUSD, &s.TotalDurationMS); err != nil {
			return nil, fmt.Errorf("unreported scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertUsageReport(ctx context.Context, r core.ExternalUsageReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_usage_reports (tenant_id, capability, provider, period_start, reported_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, capability, provider, period_start) DO NOTHING`,
		r.TenantID, r.Capability, r.Provider, r.PeriodStart, r.ReportedAt)
	if err != nil {
		return fmt.Errorf("insert usage report: %w", err)
	}
	return nil
}
