// Package ledger implements the authoritative per-tenant credit ledger.
//
// Every mutation appends one immutable CreditTransaction whose BalanceAfter
// is computed inside the same critical section as the insert, so for any
// tenant the sequence of BalanceAfter values is exactly the running sum of
// the Amount values in insertion order. Writers for the same tenant are
// serialized; writers for different tenants proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-platform/controlplane/internal/core"
)

var (
	// ErrDuplicateReference signals a (tenant, reference_id) collision.
	// Callers treat it as idempotent success.
	ErrDuplicateReference = errors.New("duplicate reference id")

	// ErrInvalidAmount signals a zero or out-of-range amount.
	ErrInvalidAmount = errors.New("invalid amount")
)

// BuildFunc produces the transaction to append given the previous balance.
// It runs inside the store's critical section for the tenant.
type BuildFunc func(prev core.Credit) (*core.CreditTransaction, error)

// Store persists ledger rows. Apply must serialize per tenant: the previous
// balance it hands to build and the subsequent insert are one atomic step.
type Store interface {
	Apply(ctx context.Context, tenantID string, build BuildFunc) (*core.CreditTransaction, error)
	Balance(ctx context.Context, tenantID string) (core.Credit, error)
	HasReference(ctx context.Context, tenantID, referenceID string) (bool, error)
	History(ctx context.Context, tenantID string, limit, offset int) ([]core.CreditTransaction, error)
}

// Ledger is the public credit ledger API.
//
// A keyed in-process mutex serializes same-tenant writers inside one
// platform instance; the Postgres store additionally takes a per-tenant
// advisory lock so multiple instances stay ordered.
type Ledger struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// EntryParams carries the optional fields of a credit or debit.
type EntryParams struct {
	Description   string
	ReferenceID   string
	FundingSource string
}

// Credit appends a positive entry for the tenant and returns the
// transaction. amount must be positive credits.
func (l *Ledger) Credit(ctx context.Context, tenantID string, amount core.Credit, txType core.TransactionType, p EntryParams) (*core.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return l.append(ctx, tenantID, amount, txType, p)
}

// Debit appends a negative entry. The ledger does not reject a debit that
// drives the balance negative; non-negative enforcement belongs to the
// budget gate, not the book of record.
func (l *Ledger) Debit(ctx context.Context, tenantID string, amount core.Credit, txType core.TransactionType, p EntryParams) (*core.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return l.append(ctx, tenantID, -amount, txType, p)
}

func (l *Ledger) append(ctx context.Context, tenantID string, signed core.Credit, txType core.TransactionType, p EntryParams) (*core.CreditTransaction, error) {
	if signed == math.MinInt64 {
		return nil, fmt.Errorf("%w: amount magnitude out of range", ErrInvalidAmount)
	}

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	return l.store.Apply(ctx, tenantID, func(prev core.Credit) (*core.CreditTransaction, error) {
		return &core.CreditTransaction{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			Amount:        signed,
			BalanceAfter:  prev + signed,
			Type:          txType,
			Description:   p.Description,
			ReferenceID:   p.ReferenceID,
			FundingSource: p.FundingSource,
			CreatedAt:     time.Now().UTC(),
		}, nil
	})
}

// Balance returns the BalanceAfter of the tenant's most recent transaction,
// or zero if the tenant has none.
func (l *Ledger) Balance(ctx context.Context, tenantID string) (core.Credit, error) {
	return l.store.Balance(ctx, tenantID)
}

// HasReferenceID reports whether a transaction with the given reference
// already exists for the tenant.
func (l *Ledger) HasReferenceID(ctx context.Context, tenantID, referenceID string) (bool, error) {
	return l.store.HasReference(ctx, tenantID, referenceID)
}

// History returns the tenant's transactions newest-first.
func (l *Ledger) History(ctx context.Context, tenantID string, limit, offset int) ([]core.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.History(ctx, tenantID, limit, offset)
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[tenantID] = lock
	}
	return lock
}
