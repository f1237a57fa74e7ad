package ledger

import (
	"context"
	"sync"

	"github.com/wopr-platform/controlplane/internal/core"
)

// MemoryStore keeps the ledger in process memory. Used by tests and by
// dev deployments without a database; semantics match the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string][]core.CreditTransaction // tenant -> ordered rows
	refs map[string]map[string]bool          // tenant -> reference ids
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string][]core.CreditTransaction),
		refs: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Apply(_ context.Context, tenantID string, build BuildFunc) (*core.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev core.Credit
	if rows := s.rows[tenantID]; len(rows) > 0 {
		prev = rows[len(rows)-1].BalanceAfter
	}

	entry, err := build(prev)
	if err != nil {
		return nil, err
	}

	if entry.ReferenceID != "" {
		if s.refs[tenantID][entry.ReferenceID] {
			return nil, ErrDuplicateReference
		}
		if s.refs[tenantID] == nil {
			s.refs[tenantID] = make(map[string]bool)
		}
		s.refs[tenantID][entry.ReferenceID] = true
	}

	s.rows[tenantID] = append(s.rows[tenantID], *entry)
	return entry, nil
}

func (s *MemoryStore) Balance(_ context.Context, tenantID string) (core.Credit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[tenantID]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].BalanceAfter, nil
}

func (s *MemoryStore) HasReference(_ context.Context, tenantID, referenceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[tenantID][referenceID], nil
}

func (s *MemoryStore) History(_ context.Context, tenantID string, limit, offset int) ([]core.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[tenantID]
	// newest first
	out := make([]core.CreditTransaction, 0, limit)
	for i := len(rows) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

// Transactions returns every row for a tenant in insertion order.
// Test helper.
func (s *MemoryStore) Transactions(tenantID string) []core.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.CreditTransaction(nil), s.rows[tenantID]...)
}
