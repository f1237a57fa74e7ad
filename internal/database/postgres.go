// Package database provides the shared Postgres client for the control
// plane. All authoritative state (ledger, metering, fleet, admission
// counters) lives here; schema migration tooling is external, but
// EnsureSchema bootstraps the tables for dev and test databases.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// DB wraps the sql handle so component stores share one pool.
type DB struct {
	*sql.DB
}

// Connect opens and pings a Postgres connection pool.
func Connect(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	handle, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	handle.SetMaxOpenConns(25)
	handle.SetMaxIdleConns(5)
	handle.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &DB{DB: handle}, nil
}

// schemaDDL creates every table the control plane owns. Statements are
// idempotent so repeated bootstraps are safe.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		seq BIGSERIAL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		type TEXT NOT NULL,
		description TEXT,
		reference_id TEXT,
		funding_source TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_tenant_reference
		ON credit_transactions (tenant_id, reference_id)
		WHERE reference_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_tenant_seq
		ON credit_transactions (tenant_id, seq DESC)`,

	`CREATE TABLE IF NOT EXISTS credit_balances (
		tenant_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_adjustments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS meter_events (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		provider TEXT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		charge_usd DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		session_id TEXT,
		tier TEXT,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS meter_events_tenant_ts ON meter_events (tenant_id, ts)`,
	`CREATE INDEX IF NOT EXISTS meter_events_ts ON meter_events (ts)`,

	`CREATE TABLE IF NOT EXISTS billing_period_summaries (
		tenant_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		provider TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		event_count BIGINT NOT NULL,
		total_cost_usd DOUBLE PRECISION NOT NULL,
		total_charge_usd DOUBLE PRECISION NOT NULL,
		total_duration_ms BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, capability, provider, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS external_usage_reports (
		tenant_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		provider TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		reported_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, capability, provider, period_start)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_entries (
		key TEXT NOT NULL,
		scope TEXT NOT NULL,
		count INT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (key, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
		name TEXT PRIMARY KEY,
		count INT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		paused_until TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'provisioning',
		provision_stage TEXT,
		capacity_mb BIGINT NOT NULL DEFAULT 0,
		used_mb BIGINT NOT NULL DEFAULT 0,
		cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_mb BIGINT NOT NULL DEFAULT 0,
		disk_mb BIGINT NOT NULL DEFAULT 0,
		drain_status TEXT,
		agent_version TEXT,
		secret TEXT,
		last_heartbeat_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS bot_instances (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		node_id TEXT,
		billing_state TEXT NOT NULL DEFAULT 'active',
		resource_tier TEXT,
		storage_mb BIGINT NOT NULL DEFAULT 0,
		suspended_at TIMESTAMPTZ,
		destroy_after TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bot_instances_tenant ON bot_instances (tenant_id)`,

	// Tenant-owned rows covered by the deletion executor.
	`CREATE TABLE IF NOT EXISTS notification_queue (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_preferences (
		tenant_id TEXT NOT NULL, channel TEXT NOT NULL, enabled BOOLEAN NOT NULL DEFAULT true,
		PRIMARY KEY (tenant_id, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS notification_history (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, payload JSONB,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, action TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
		id TEXT PRIMARY KEY, actor TEXT, action TEXT,
		target_tenant TEXT, target_user TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_notes (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, note TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, instance_id TEXT,
		object_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS backup_status (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, state TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS stripe_charges (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, amount_usd DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_status (
		tenant_id TEXT PRIMARY KEY, status TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL, tenant_id TEXT NOT NULL, role TEXT NOT NULL,
		PRIMARY KEY (user_id, tenant_id)
	)`,
	`CREATE TABLE IF NOT EXISTS customer_mappings (
		tenant_id TEXT PRIMARY KEY, stripe_customer_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, tenant_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL, tenant_id TEXT NOT NULL,
		provider TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS verification_tokens (
		token TEXT PRIMARY KEY, tenant_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, email TEXT
	)`,
}

// EnsureSchema creates all control-plane tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TableExists reports whether a table is present in the public schema.
func (db *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, name).Scan(&exists)
	return exists, err
}
