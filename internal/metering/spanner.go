package metering

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/wopr-platform/controlplane/internal/core"
)

// SpannerStore is an alternative meter event log for deployments whose
// write volume outgrows a single Postgres pool. It implements Store only;
// aggregation stays on the Postgres billing tables.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore connects to the given database path
// (projects/P/instances/I/databases/D).
func NewSpannerStore(ctx context.Context, dbPath string) (*SpannerStore, error) {
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerMeter] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) Append(ctx context.Context, ev *core.MeterEvent) error {
	m := spanner.InsertMap("MeterEvents", map[string]interface{}{
		"Id":         ev.ID,
		"TenantId":   ev.TenantID,
		"Capability": string(ev.Capability),
		"Provider":   ev.Provider,
		"CostUsd":    ev.CostUSD,
		"ChargeUsd":  ev.ChargeUSD,
		"DurationMs": ev.DurationMS,
		"SessionId":  ev.SessionID,
		"Tier":       string(ev.Tier),
		"Ts":         ev.Timestamp,
	})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return fmt.Errorf("spanner append meter event: %w", err)
	}
	return nil
}

func (s *SpannerStore) SumChargeSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	// Stale reads are fine here; the budget gate tolerates seconds of lag.
	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	stmt := spanner.Statement{
		SQL: `SELECT COALESCE(SUM(ChargeUsd), 0) FROM MeterEvents
		      WHERE TenantId = @tenant AND Ts >= @since`,
		Params: map[string]interface{}{"tenant": tenantID, "since": since},
	}
	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spanner sum charge: %w", err)
	}
	var total float64
	if err := row.Columns(&total); err != nil {
		return 0, fmt.Errorf("spanner sum scan: %w", err)
	}
	return total, nil
}

func (s *SpannerStore) EventsInRange(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]core.MeterEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	stmt := spanner.Statement{
		SQL: `SELECT Id, TenantId, Capability, Provider, CostUsd, ChargeUsd, DurationMs, SessionId, Tier, Ts
		      FROM MeterEvents
		      WHERE TenantId = @tenant AND Ts >= @from AND Ts < @to
		      ORDER BY Ts
		      LIMIT @limit`,
		Params: map[string]interface{}{
			"tenant": tenantID, "from": from, "to": to, "limit": int64(limit),
		},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []core.MeterEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("spanner events range: %w", err)
		}
		var ev core.MeterEvent
		var capability, tier string
		if err := row.Columns(&ev.ID, &ev.TenantID, &capability, &ev.Provider,
			&ev.CostUSD, &ev.ChargeUSD, &ev.DurationMS, &ev.SessionID, &tier, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("spanner events scan: %w", err)
		}
		ev.Capability = core.Capability(capability)
		ev.Tier = core.UsageTier(tier)
		out = append(out, ev)
	}
	return out, nil
}

// Close releases the underlying Spanner client.
func (s *SpannerStore) Close() {
	s.client.Close()
}
