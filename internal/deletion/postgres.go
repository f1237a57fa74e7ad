package deletion

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wopr-platform/controlplane/internal/database"
)

// tenantColumn maps each deletable table to the column its tenant scope
// lives in. Only tables listed here may be targeted; everything else is
// a programming error, not a runtime input.
var tenantColumn = map[string]string{
	"bot_instances":            "tenant_id",
	"credit_transactions":      "tenant_id",
	"credit_balances":          "tenant_id",
	"credit_adjustments":       "tenant_id",
	"meter_events":             "tenant_id",
	"billing_period_summaries": "tenant_id",
	"external_usage_reports":   "tenant_id",
	"notification_queue":       "tenant_id",
	"notification_preferences": "tenant_id",
	"notification_history":     "tenant_id",
	"audit_log":                "tenant_id",
	"admin_notes":              "tenant_id",
	"snapshots":                "tenant_id",
	"backup_status":            "tenant_id",
	"stripe_charges":           "tenant_id",
	"tenant_status":            "tenant_id",
	"customer_mappings":        "tenant_id",
	"sessions":                 "tenant_id",
	"accounts":                 "tenant_id",
	"verification_tokens":      "tenant_id",
	"users":                    "tenant_id",
}

// PostgresStore runs the deletion pipeline against the shared database.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DeleteRows(ctx context.Context, table, tenantID string) (int64, error) {
	column, ok := tenantColumn[table]
	if !ok {
		return 0, fmt.Errorf("table %s is not deletable", table)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, column), tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) AnonymizeAdminAudit(ctx context.Context, tenantID, sentinel string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admin_audit_log SET target_tenant = $2, target_user = $2
		 WHERE target_tenant = $1`, tenantID, sentinel)
	if err != nil {
		return 0, fmt.Errorf("anonymize admin audit: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, tenantID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, object_key FROM snapshots WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.ObjectKey); err != nil {
			return nil, fmt.Errorf("snapshot scan: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteUserRoles(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_roles
		 WHERE tenant_id = $1
			OR user_id IN (SELECT id FROM users WHERE tenant_id = $1)`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("delete user roles: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) StripeCustomerID(ctx context.Context, tenantID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_customer_id FROM customer_mappings WHERE tenant_id = $1`, tenantID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("customer mapping: %w", err)
	}
	return id, nil
}
