// Package tenants is the directory of billing principals: who a tenant
// is, whether it may run workloads, its pricing tier, its spend limits,
// and its payment processor customer id.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/wopr-platform/controlplane/internal/core"
)

var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is the directory record for one billing principal.
// Timestamps stay strings to match the Supabase wire format.
type Tenant struct {
	TenantID         string   `json:"tenant_id"`
	Name             string   `json:"tenant_name"`
	Status           string   `json:"status"`
	PricingTier      string   `json:"pricing_tier"`
	BYOK             bool     `json:"byok"`
	MaxPerHourUSD    *float64 `json:"max_per_hour_usd"`
	MaxPerMonthUSD   *float64 `json:"max_per_month_usd"`
	StripeCustomerID string   `json:"stripe_customer_id"`
	CreatedAt        string   `json:"created_at,omitempty"`
}

// Active reports whether the tenant may execute requests.
func (t *Tenant) Active() bool {
	return t.Status == "active" || t.Status == "trial"
}

// SpendLimits converts the record's limit columns into the gate's shape.
// Both nil means the tenant is uncapped.
func (t *Tenant) SpendLimits() *core.SpendLimits {
	if t.MaxPerHourUSD == nil && t.MaxPerMonthUSD == nil {
		return nil
	}
	return &core.SpendLimits{
		MaxPerHourUSD:  t.MaxPerHourUSD,
		MaxPerMonthUSD: t.MaxPerMonthUSD,
	}
}

// Tier maps the stored pricing tier to the gateway's enum, defaulting
// to standard for unset or unknown values.
func (t *Tenant) Tier() core.PricingTier {
	if core.PricingTier(t.PricingTier) == core.TierPremium {
		return core.TierPremium
	}
	return core.TierStandard
}

// Directory resolves tenant records. It also satisfies
// payments.CustomerResolver so the Stripe processor can share it.
type Directory interface {
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	StripeCustomerID(ctx context.Context, tenantID string) (string, error)
}

// Load fetches the tenant and rejects inactive ones.
func Load(ctx context.Context, d Directory, tenantID string) (*Tenant, error) {
	tenant, err := d.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active() {
		return nil, fmt.Errorf("tenant is %s", tenant.Status)
	}
	return tenant, nil
}

// ============================================================================
// SUPABASE DIRECTORY
// ============================================================================

// SupabaseDirectory reads tenant records from the shared Supabase
// project that also backs the dashboard.
type SupabaseDirectory struct {
	client *supabase.Client
}

func NewSupabaseDirectory(url, serviceKey string) (*SupabaseDirectory, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseDirectory{client: client}, nil
}

func (d *SupabaseDirectory) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	var rows []Tenant
	_, err := d.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrTenantNotFound
	}
	return &rows[0], nil
}

func (d *SupabaseDirectory) StripeCustomerID(ctx context.Context, tenantID string) (string, error) {
	tenant, err := d.Get(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tenant.StripeCustomerID, nil
}

// ============================================================================
// MEMORY DIRECTORY
// ============================================================================

// MemoryDirectory backs tests and single-process dev runs.
type MemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{tenants: make(map[string]Tenant)}
}

// Put stores or replaces a tenant record.
func (d *MemoryDirectory) Put(t Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.TenantID] = t
}

func (d *MemoryDirectory) Get(_ context.Context, tenantID string) (*Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (d *MemoryDirectory) StripeCustomerID(ctx context.Context, tenantID string) (string, error) {
	t, err := d.Get(ctx, tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return t.StripeCustomerID, nil
}
