package deletion

import (
	"context"
	"sync"
)

// AdminAuditRow is one retained admin audit entry in the memory store.
type AdminAuditRow struct {
	ID           string
	TargetTenant string
	TargetUser   string
}

// MemoryStore is an in-process deletion store for tests and dev runs.
type MemoryStore struct {
	mu sync.Mutex

	// rows[table][tenant] is the count of tenant-owned rows.
	rows       map[string]map[string]int64
	adminAudit []AdminAuditRow
	snapshots  map[string][]Snapshot
	customers  map[string]string
	userRoles  map[string]int64

	failTables map[string]error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:       make(map[string]map[string]int64),
		snapshots:  make(map[string][]Snapshot),
		customers:  make(map[string]string),
		userRoles:  make(map[string]int64),
		failTables: make(map[string]error),
	}
}

// SeedRows sets the tenant's row count for a table. Test helper.
func (m *MemoryStore) SeedRows(table, tenantID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]int64)
	}
	m.rows[table][tenantID] = count
}

// SeedSnapshot adds a snapshot row. Test helper.
func (m *MemoryStore) SeedSnapshot(tenantID string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[tenantID] = append(m.snapshots[tenantID], snap)
}

// SeedAdminAudit adds a retained audit row. Test helper.
func (m *MemoryStore) SeedAdminAudit(row AdminAuditRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminAudit = append(m.adminAudit, row)
}

// SeedCustomer maps the tenant to a processor customer id. Test helper.
func (m *MemoryStore) SeedCustomer(tenantID, customerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[tenantID] = customerID
}

// SeedUserRoles sets the tenant's role row count. Test helper.
func (m *MemoryStore) SeedUserRoles(tenantID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userRoles[tenantID] = count
}

// FailTable makes DeleteRows on the table return err. Test helper.
func (m *MemoryStore) FailTable(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTables[table] = err
}

// RowCount returns the remaining rows for (table, tenant). Test helper.
func (m *MemoryStore) RowCount(table, tenantID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if table == "snapshots" {
		return int64(len(m.snapshots[tenantID]))
	}
	return m.rows[table][tenantID]
}

// AdminAudit returns the retained audit rows. Test helper.
func (m *MemoryStore) AdminAudit() []AdminAuditRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AdminAuditRow(nil), m.adminAudit...)
}

func (m *MemoryStore) DeleteRows(_ context.Context, table, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failTables[table]; err != nil {
		return 0, err
	}
	if table == "snapshots" {
		count := int64(len(m.snapshots[tenantID]))
		delete(m.snapshots, tenantID)
		return count, nil
	}

	count := m.rows[table][tenantID]
	if m.rows[table] != nil {
		delete(m.rows[table], tenantID)
	}
	return count, nil
}

func (m *MemoryStore) AnonymizeAdminAudit(_ context.Context, tenantID, sentinel string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var touched int64
	for i := range m.adminAudit {
		if m.adminAudit[i].TargetTenant == tenantID {
			m.adminAudit[i].TargetTenant = sentinel
			m.adminAudit[i].TargetUser = sentinel
			touched++
		}
	}
	return touched, nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, tenantID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.snapshots[tenantID]...), nil
}

func (m *MemoryStore) DeleteUserRoles(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.userRoles[tenantID]
	delete(m.userRoles, tenantID)
	return count, nil
}

func (m *MemoryStore) StripeCustomerID(_ context.Context, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customers[tenantID], nil
}
