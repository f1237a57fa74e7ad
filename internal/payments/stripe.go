package payments

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/customer"

	"github.com/wopr-platform/controlplane/internal/core"
)

// StripeProcessor reports usage through Stripe's billing meters and
// deletes customers on tenant removal. One meter per capability, named
// wopr_<capability>_usd.
type StripeProcessor struct {
	resolver CustomerResolver
	logger   *log.Logger
}

// NewStripeProcessor configures the global Stripe client key and returns
// the processor.
func NewStripeProcessor(secretKey string, resolver CustomerResolver) *StripeProcessor {
	stripe.Key = secretKey
	return &StripeProcessor{
		resolver: resolver,
		logger:   log.New(log.Writer(), "[Stripe] ", log.LstdFlags),
	}
}

// ReportUsage pushes one closed billing period as a meter event. The
// identifier is derived from the summary key, so a retried report of the
// same period deduplicates on Stripe's side.
func (p *StripeProcessor) ReportUsage(ctx context.Context, s core.BillingPeriodSummary) error {
	customerID, err := p.resolver.StripeCustomerID(ctx, s.TenantID)
	if err != nil {
		return fmt.Errorf("resolve customer for %s: %w", s.TenantID, err)
	}
	if customerID == "" {
		return fmt.Errorf("tenant %s has no stripe customer", s.TenantID)
	}

	// Stripe meters take integer values; report in cents.
	cents := strconv.FormatInt(int64(s.TotalChargeUSD*100+0.5), 10)
	identifier := fmt.Sprintf("%s-%s-%s-%d", s.TenantID, s.Capability, s.Provider, s.PeriodStart.Unix())

	params := &stripe.BillingMeterEventParams{
		EventName:  stripe.String(fmt.Sprintf("wopr_%s_usd", s.Capability)),
		Identifier: stripe.String(identifier),
		Timestamp:  stripe.Int64(s.PeriodStart.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": customerID,
			"value":              cents,
		},
	}
	params.Context = ctx

	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("stripe meter event: %w", err)
	}
	p.logger.Printf("reported %s/%s period %s: %s cents",
		s.TenantID, s.Capability, s.PeriodStart.Format("2006-01-02T15:04"), cents)
	return nil
}

// DeleteCustomer removes the Stripe customer record.
func (p *StripeProcessor) DeleteCustomer(ctx context.Context, customerID string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	if _, err := customer.Del(customerID, params); err != nil {
		return fmt.Errorf("stripe customer delete: %w", err)
	}
	p.logger.Printf("deleted customer %s", customerID)
	return nil
}
