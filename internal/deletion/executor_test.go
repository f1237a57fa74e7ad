package deletion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/objectstore"
	"github.com/wopr-platform/controlplane/internal/payments"
)

func TestExecute_FullPipeline(t *testing.T) {
	store := NewMemoryStore()
	processor := payments.NewFakeProcessor()
	objects := objectstore.NewMemoryStore()
	exec := NewExecutor(store, processor, objects)

	store.SeedCustomer("tenant-a", "cus_123")
	store.SeedRows("bot_instances", "tenant-a", 2)
	store.SeedRows("credit_transactions", "tenant-a", 40)
	store.SeedRows("meter_events", "tenant-a", 900)
	store.SeedRows("users", "tenant-a", 3)
	store.SeedUserRoles("tenant-a", 3)

	summary := exec.Execute(context.Background(), "tenant-a")

	assert.Empty(t, summary.Errors)
	assert.Equal(t, []string{"cus_123"}, processor.DeletedCustomers)
	assert.Equal(t, int64(1), summary.DeletedCounts["stripe_customer"])
	assert.Equal(t, int64(2), summary.DeletedCounts["bot_instances"])
	assert.Equal(t, int64(40), summary.DeletedCounts["credit_transactions"])
	assert.Equal(t, int64(900), summary.DeletedCounts["meter_events"])
	assert.Equal(t, int64(3), summary.DeletedCounts["user_roles"])
	assert.Equal(t, int64(3), summary.DeletedCounts["users"])

	assert.Zero(t, store.RowCount("bot_instances", "tenant-a"))
	assert.Zero(t, store.RowCount("meter_events", "tenant-a"))
}

func TestExecute_SnapshotObjectFailureIsIsolated(t *testing.T) {
	store := NewMemoryStore()
	objects := objectstore.NewMemoryStore()
	exec := NewExecutor(store, payments.NewFakeProcessor(), objects)

	store.SeedSnapshot("tenant-a", Snapshot{ID: "snap-fail", ObjectKey: "tenant-a/snap-fail.tar"})
	store.SeedSnapshot("tenant-a", Snapshot{ID: "snap-ok", ObjectKey: "tenant-a/snap-ok.tar"})
	objects.Put("tenant-a/snap-fail.tar")
	objects.Put("tenant-a/snap-ok.tar")
	objects.FailOn("tenant-a/snap-fail.tar", errors.New("access denied"))

	summary := exec.Execute(context.Background(), "tenant-a")

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "s3_snapshot(snap-fail)")

	assert.Equal(t, int64(1), summary.DeletedCounts["s3_object:snap-ok"])
	assert.NotContains(t, summary.DeletedCounts, "s3_object:snap-fail")

	// Rows are gone for both snapshots regardless of the object failure.
	assert.Equal(t, int64(2), summary.DeletedCounts["snapshots"])
	assert.Zero(t, store.RowCount("snapshots", "tenant-a"))
}

func TestExecute_AdminAuditAnonymizedNotDeleted(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(store, nil, nil)

	store.SeedAdminAudit(AdminAuditRow{ID: "a1", TargetTenant: "tenant-a", TargetUser: "user-1"})
	store.SeedAdminAudit(AdminAuditRow{ID: "a2", TargetTenant: "tenant-a", TargetUser: "user-2"})
	store.SeedAdminAudit(AdminAuditRow{ID: "a3", TargetTenant: "tenant-b", TargetUser: "user-9"})

	summary := exec.Execute(context.Background(), "tenant-a")
	assert.Equal(t, int64(2), summary.DeletedCounts["admin_audit_log_anonymized"])

	rows := store.AdminAudit()
	require.Len(t, rows, 3, "admin audit rows are retained")
	assert.Equal(t, AnonymizedSentinel, rows[0].TargetTenant)
	assert.Equal(t, AnonymizedSentinel, rows[0].TargetUser)
	assert.Equal(t, AnonymizedSentinel, rows[1].TargetTenant)
	assert.Equal(t, "tenant-b", rows[2].TargetTenant, "other tenants untouched")
}

func TestExecute_StripeFailureDoesNotAbort(t *testing.T) {
	store := NewMemoryStore()
	processor := payments.NewFakeProcessor()
	processor.DeleteErr = errors.New("api unavailable")
	exec := NewExecutor(store, processor, nil)

	store.SeedCustomer("tenant-a", "cus_123")
	store.SeedRows("bot_instances", "tenant-a", 1)

	summary := exec.Execute(context.Background(), "tenant-a")

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "stripe_customer:")
	assert.NotContains(t, summary.DeletedCounts, "stripe_customer")

	// The rest of the pipeline still ran.
	assert.Equal(t, int64(1), summary.DeletedCounts["bot_instances"])
}

func TestExecute_TableFailureIsIsolated(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(store, nil, nil)

	store.SeedRows("credit_transactions", "tenant-a", 5)
	store.SeedRows("meter_events", "tenant-a", 7)
	store.FailTable("credit_transactions", errors.New("deadlock detected"))

	summary := exec.Execute(context.Background(), "tenant-a")

	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "credit_transactions:")
	assert.Equal(t, int64(7), summary.DeletedCounts["meter_events"],
		"a failing step must not leak into the next")
}

func TestExecute_NoCustomerMappingSkipsProcessor(t *testing.T) {
	store := NewMemoryStore()
	processor := payments.NewFakeProcessor()
	exec := NewExecutor(store, processor, nil)

	summary := exec.Execute(context.Background(), "tenant-a")

	assert.Empty(t, summary.Errors)
	assert.Empty(t, processor.DeletedCustomers)
	assert.NotContains(t, summary.DeletedCounts, "stripe_customer")
}
