// Package payments integrates the external payment processor. Usage
// summaries flow out as metered billing events; tenant deletion removes
// the remote customer record.
package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/wopr-platform/controlplane/internal/core"
)

// Processor is the outward-facing payment surface. The metering
// aggregator uses ReportUsage; the deletion executor uses DeleteCustomer.
type Processor interface {
	ReportUsage(ctx context.Context, s core.BillingPeriodSummary) error
	DeleteCustomer(ctx context.Context, customerID string) error
}

// CustomerResolver maps a tenant to its processor customer id.
type CustomerResolver interface {
	StripeCustomerID(ctx context.Context, tenantID string) (string, error)
}

// FakeProcessor records calls for tests and for billing-disabled runs.
type FakeProcessor struct {
	mu               sync.Mutex
	Reported         []core.BillingPeriodSummary
	DeletedCustomers []string

	ReportErr error
	DeleteErr error
}

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{}
}

func (f *FakeProcessor) ReportUsage(_ context.Context, s core.BillingPeriodSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReportErr != nil {
		return f.ReportErr
	}
	f.Reported = append(f.Reported, s)
	return nil
}

func (f *FakeProcessor) DeleteCustomer(_ context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return fmt.Errorf("delete customer %s: %w", customerID, f.DeleteErr)
	}
	f.DeletedCustomers = append(f.DeletedCustomers, customerID)
	return nil
}
