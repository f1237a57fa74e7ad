package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/database"
)

// PostgresStore persists the ledger in credit_transactions, maintaining
// the credit_balances cache row alongside each append.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a ledger store over the shared Postgres pool.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply serializes same-tenant appends across platform instances with a
// transaction-scoped advisory lock, reads the previous balance, builds the
// row, and inserts it — all in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, tenantID string, build BuildFunc) (*core.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return nil, fmt.Errorf("ledger advisory lock: %w", err)
	}

	var prev core.Credit
	err = tx.QueryRowContext(ctx,
		`SELECT balance_after FROM credit_transactions
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("ledger read balance: %w", err)
	}

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions
			(id, tenant_id, amount, balance_after, type, description, reference_id, funding_source, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`,
		entry.ID, entry.TenantID, entry.Amount, entry.BalanceAfter, entry.Type,
		entry.Description, entry.ReferenceID, entry.FundingSource, entry.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("ledger insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_balances (tenant_id, balance, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET balance = $2, updated_at = now()`,
		entry.TenantID, entry.BalanceAfter)
	if err != nil {
		return nil, fmt.Errorf("ledger balance cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger commit: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Balance(ctx context.Context, tenantID string) (core.Credit, error) {
	var balance core.Credit
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_after FROM credit_transactions
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) HasReference(ctx context.Context, tenantID, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM credit_transactions WHERE tenant_id = $1 AND reference_id = $2
		)`, tenantID, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger has reference: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) History(ctx context.Context, tenantID string, limit, offset int) ([]core.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, amount, balance_after, type,
			COALESCE(description, ''), COALESCE(reference_id, ''), COALESCE(funding_source, ''), created_at
		 FROM credit_transactions
		 WHERE tenant_id = $1
		 ORDER BY seq DESC
		 LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	defer rows.Close()

	var out []core.CreditTransaction
	for rows.Next() {
		var t core.CreditTransaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Amount, &t.BalanceAfter, &t.Type,
			&t.Description, &t.ReferenceID, &t.FundingSource, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger history scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
