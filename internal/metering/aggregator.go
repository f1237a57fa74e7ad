package metering

import (
	"context"
	"log"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
)

// Reporter pushes a closed billing-period summary to the external payment
// processor.
type Reporter interface {
	ReportUsage(ctx context.Context, s core.BillingPeriodSummary) error
}

// Aggregator folds raw meter events into billing-period summaries on a
// fixed cadence and reports closed periods upstream.
//
// Materialization is idempotent (upsert on the period key), so a crash
// between materializing and reporting re-materializes the same rows and
// resumes reporting where the report table left off.
type Aggregator struct {
	store    BillingStore
	reporter Reporter
	logger   *log.Logger

	period   time.Duration
	grace    time.Duration
	lookback time.Duration

	stop chan struct{}
	done chan struct{}
}

// AggregatorConfig tunes the aggregation cadence.
type AggregatorConfig struct {
	Period time.Duration // billing period length, default 5m
	Grace  time.Duration // late-arrival grace before a period closes

	// Lookback bounds the re-aggregation window; periods older than this
	// are assumed settled. Default 24h.
	Lookback time.Duration
}

// NewAggregator creates an aggregator; reporter may be nil, in which case
// closed periods are materialized but only marked, never sent upstream.
func NewAggregator(store BillingStore, reporter Reporter, cfg AggregatorConfig) *Aggregator {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	return &Aggregator{
		store:    store,
		reporter: reporter,
		logger:   log.New(log.Writer(), "[Aggregator] ", log.LstdFlags),
		period:   cfg.Period,
		grace:    cfg.Grace,
		lookback: cfg.Lookback,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks until Stop is called or the context ends.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	a.logger.Printf("aggregation loop started (period=%s grace=%s)", a.period, a.grace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx, time.Now().UTC()); err != nil {
				a.logger.Printf("aggregation tick failed: %v", err)
			}
		}
	}
}

// Stop ends the loop and waits for the in-flight tick to finish.
func (a *Aggregator) Stop() {
	close(a.stop)
	<-a.done
}

// RunOnce materializes every period that closed before now minus grace,
// then reports unreported summaries oldest first. Reporting stops at the
// first upstream failure; the failed summary and everything after it stay
// unreported and retry next tick.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-a.grace).Truncate(a.period)
	from := cutoff.Add(-a.lookback)

	summaries, err := a.store.SummarizePeriods(ctx, from, cutoff, a.period)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.store.UpsertSummary(ctx, s); err != nil {
			return err
		}
	}

	return a.reportPending(ctx, now)
}

func (a *Aggregator) reportPending(ctx context.Context, now time.Time) error {
	pending, err := a.store.UnreportedSummaries(ctx, 0)
	if err != nil {
		return err
	}

	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Zero-charge periods are marked without an upstream call; the
		// processor has nothing to bill.
		if s.TotalChargeUSD > 0 && a.reporter != nil {
			if err := a.reporter.ReportUsage(ctx, s); err != nil {
				a.logger.Printf("usage report failed for tenant=%s capability=%s period=%s: %v",
					s.TenantID, s.Capability, s.PeriodStart.Format(time.RFC3339), err)
				return err
			}
		}

		report := core.ExternalUsageReport{
			TenantID:    s.TenantID,
			Capability:  s.Capability,
			Provider:    s.Provider,
			PeriodStart: s.PeriodStart,
			ReportedAt:  now,
		}
		if err := a.store.InsertUsageReport(ctx, report); err != nil {
			return err
		}
	}
	return nil
}
