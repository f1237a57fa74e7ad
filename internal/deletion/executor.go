// Package deletion implements the tenant offboarding pipeline: a fixed
// sequence of best-effort steps across the payment processor, the object
// store, and every tenant-owned table.
package deletion

import (
	"context"
	"fmt"
	"log"

	"github.com/wopr-platform/controlplane/internal/objectstore"
	"github.com/wopr-platform/controlplane/internal/payments"
)

// AnonymizedSentinel replaces identifying fields in the admin audit log.
// Those rows are retained for regulatory reasons and never deleted.
const AnonymizedSentinel = "[deleted]"

// Snapshot is one stored snapshot row with its object key.
type Snapshot struct {
	ID        string
	ObjectKey string
}

// Store is the persistence surface the executor drives. Implementations
// must scope every operation to the given tenant.
type Store interface {
	// DeleteRows removes the tenant's rows from one table and returns the
	// count removed.
	DeleteRows(ctx context.Context, table, tenantID string) (int64, error)

	// AnonymizeAdminAudit scrubs target_tenant and target_user on admin
	// audit rows referencing the tenant, returning the rows touched.
	AnonymizeAdminAudit(ctx context.Context, tenantID, sentinel string) (int64, error)

	// ListSnapshots returns the tenant's snapshot rows.
	ListSnapshots(ctx context.Context, tenantID string) ([]Snapshot, error)

	// DeleteUserRoles removes role rows in both directions: roles scoped
	// to the tenant and roles held by the tenant's users elsewhere.
	DeleteUserRoles(ctx context.Context, tenantID string) (int64, error)

	// StripeCustomerID resolves the tenant's processor customer id;
	// empty when the tenant was never billed.
	StripeCustomerID(ctx context.Context, tenantID string) (string, error)
}

// Summary reports what one deletion run accomplished. DeletedCounts is
// keyed by table name (or "s3_object:<snapshot id>" for object deletes);
// Errors collects per-step failures without aborting the pipeline.
type Summary struct {
	TenantID      string           `json:"tenant_id"`
	DeletedCounts map[string]int64 `json:"deleted_counts"`
	Errors        []string         `json:"errors"`
}

// Executor runs the fixed deletion sequence for one tenant at a time.
type Executor struct {
	store     Store
	processor payments.Processor
	objects   objectstore.ObjectStore
	logger    *log.Logger
}

// NewExecutor builds the pipeline. processor and objects may be nil;
// their steps degrade to no-ops with a recorded skip.
func NewExecutor(store Store, processor payments.Processor, objects objectstore.ObjectStore) *Executor {
	return &Executor{
		store:     store,
		processor: processor,
		objects:   objects,
		logger:    log.New(log.Writer(), "[Deletion] ", log.LstdFlags),
	}
}

// Execute runs every step in order. A failing step records its error and
// the pipeline continues; the returned Summary always covers all steps.
func (e *Executor) Execute(ctx context.Context, tenantID string) *Summary {
	s := &Summary{
		TenantID:      tenantID,
		DeletedCounts: make(map[string]int64),
	}
	e.logger.Printf("starting deletion for tenant %s", tenantID)

	// 1. External customer record.
	e.deleteStripeCustomer(ctx, tenantID, s)

	// 2. Bot instances.
	e.deleteTables(ctx, tenantID, s, "bot_instances")

	// 3. Credit ledger.
	e.deleteTables(ctx, tenantID, s, "credit_transactions", "credit_balances", "credit_adjustments")

	// 4. Usage data.
	e.deleteTables(ctx, tenantID, s, "meter_events", "billing_period_summaries", "external_usage_reports")

	// 5. Notification data.
	e.deleteTables(ctx, tenantID, s, "notification_queue", "notification_preferences", "notification_history")

	// 6. User-facing audit log.
	e.deleteTables(ctx, tenantID, s, "audit_log")

	// 7. Admin audit log: anonymize, never delete.
	e.anonymizeAdminAudit(ctx, tenantID, s)

	// 8. Admin notes.
	e.deleteTables(ctx, tenantID, s, "admin_notes")

	// 9. Snapshots: objects first, then rows.
	e.deleteSnapshots(ctx, tenantID, s)

	// 10-12. Remaining billing and status rows.
	e.deleteTables(ctx, tenantID, s, "backup_status")
	e.deleteTables(ctx, tenantID, s, "stripe_charges")
	e.deleteTables(ctx, tenantID, s, "tenant_status")

	// 13. User roles, both directions.
	e.deleteUserRoles(ctx, tenantID, s)

	// 14. Customer mapping.
	e.deleteTables(ctx, tenantID, s, "customer_mappings")

	// 15. Auth records.
	e.deleteTables(ctx, tenantID, s, "sessions", "accounts", "verification_tokens", "users")

	e.logger.Printf("deletion for tenant %s finished: %d tables touched, %d errors",
		tenantID, len(s.DeletedCounts), len(s.Errors))
	return s
}

func (e *Executor) deleteStripeCustomer(ctx context.Context, tenantID string, s *Summary) {
	if e.processor == nil {
		return
	}

	customerID, err := e.store.StripeCustomerID(ctx, tenantID)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("stripe_customer: %v", err))
		return
	}
	if customerID == "" {
		return
	}

	if err := e.processor.DeleteCustomer(ctx, customerID); err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("stripe_customer: %v", err))
		return
	}
	s.DeletedCounts["stripe_customer"] = 1
}

func (e *Executor) deleteTables(ctx context.Context, tenantID string, s *Summary, tables ...string) {
	for _, table := range tables {
		count, err := e.store.DeleteRows(ctx, table, tenantID)
		if err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", table, err))
			continue
		}
		s.DeletedCounts[table] = count
	}
}

func (e *Executor) anonymizeAdminAudit(ctx context.Context, tenantID string, s *Summary) {
	count, err := e.store.AnonymizeAdminAudit(ctx, tenantID, AnonymizedSentinel)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("admin_audit_log: %v", err))
		return
	}
	s.DeletedCounts["admin_audit_log_anonymized"] = count
}

func (e *Executor) deleteSnapshots(ctx context.Context, tenantID string, s *Summary) {
	snapshots, err := e.store.ListSnapshots(ctx, tenantID)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("snapshots: %v", err))
		return
	}

	for _, snap := range snapshots {
		if e.objects == nil {
			continue
		}
		if err := e.objects.Remove(ctx, snap.ObjectKey); err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("s3_snapshot(%s): %v", snap.ID, err))
			continue
		}
		s.DeletedCounts["s3_object:"+snap.ID] = 1
	}

	// Rows go regardless of object outcomes; a stuck object must not pin
	// the tenant's metadata.
	count, err := e.store.DeleteRows(ctx, "snapshots", tenantID)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("snapshots: %v", err))
		return
	}
	s.DeletedCounts["snapshots"] = count
}

func (e *Executor) deleteUserRoles(ctx context.Context, tenantID string, s *Summary) {
	count, err := e.store.DeleteUserRoles(ctx, tenantID)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("user_roles: %v", err))
		return
	}
	s.DeletedCounts["user_roles"] = count
}
