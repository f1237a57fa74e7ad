// Package fleet orchestrates the worker node fleet: stream registry,
// heartbeat processing, command dispatch, and liveness watchdog.
package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/database"
)

// ErrNodeNotFound is returned for lookups of unknown node ids.
var ErrNodeNotFound = errors.New("node not found")

// NodeRepo persists the fleet's node rows.
type NodeRepo interface {
	Get(ctx context.Context, id string) (*core.Node, error)
	Save(ctx context.Context, node *core.Node) error
	List(ctx context.Context) ([]core.Node, error)
}

// InstanceRepo persists tenant bot instances.
type InstanceRepo interface {
	Get(ctx context.Context, id string) (*core.BotInstance, error)
	Save(ctx context.Context, inst *core.BotInstance) error
	ListByTenant(ctx context.Context, tenantID string) ([]core.BotInstance, error)
	ListDueDestroy(ctx context.Context, now time.Time) ([]core.BotInstance, error)
}

// ============================================================================
// MEMORY BACKENDS
// ============================================================================

// MemoryNodeRepo keeps nodes in process memory for tests and dev runs.
type MemoryNodeRepo struct {
	mu    sync.RWMutex
	nodes map[string]core.Node
}

func NewMemoryNodeRepo() *MemoryNodeRepo {
	return &MemoryNodeRepo{nodes: make(map[string]core.Node)}
}

func (r *MemoryNodeRepo) Get(_ context.Context, id string) (*core.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return &node, nil
}

func (r *MemoryNodeRepo) Save(_ context.Context, node *core.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = *node
	return nil
}

func (r *MemoryNodeRepo) List(_ context.Context) ([]core.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryInstanceRepo keeps bot instances in process memory.
type MemoryInstanceRepo struct {
	mu        sync.RWMutex
	instances map[string]core.BotInstance
}

func NewMemoryInstanceRepo() *MemoryInstanceRepo {
	return &MemoryInstanceRepo{instances: make(map[string]core.BotInstance)}
}

func (r *MemoryInstanceRepo) Get(_ context.Context, id string) (*core.BotInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	return &inst, nil
}

func (r *MemoryInstanceRepo) Save(_ context.Context, inst *core.BotInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = *inst
	return nil
}

func (r *MemoryInstanceRepo) ListByTenant(_ context.Context, tenantID string) ([]core.BotInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.BotInstance
	for _, inst := range r.instances {
		if inst.TenantID == tenantID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryInstanceRepo) ListDueDestroy(_ context.Context, now time.Time) ([]core.BotInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []core.BotInstance
	for _, inst := range r.instances {
		if inst.BillingState != core.BillingDestroyed &&
			inst.DestroyAfter != nil && !inst.DestroyAfter.After(now) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// POSTGRES BACKENDS
// ============================================================================

// PostgresNodeRepo stores nodes in the nodes table.
type PostgresNodeRepo struct {
	db *database.DB
}

func NewPostgresNodeRepo(db *database.DB) *PostgresNodeRepo {
	return &PostgresNodeRepo{db: db}
}

const nodeColumns = `id, host, status, COALESCE(provision_stage, ''), capacity_mb, used_mb,
	cpu_percent, memory_mb, disk_mb,
	COALESCE(drain_status, ''), COALESCE(agent_version, ''), COALESCE(secret, ''),
	last_heartbeat_at, created_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*core.Node, error) {
	var n core.Node
	var lastHB sql.NullTime
	err := row.Scan(&n.ID, &n.Host, &n.Status, &n.ProvisionStage, &n.CapacityMB, &n.UsedMB,
		&n.Usage.CPUPercent, &n.Usage.MemoryMB, &n.Usage.DiskMB,
		&n.DrainStatus, &n.AgentVersion, &n.Secret, &lastHB, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastHB.Valid {
		n.LastHeartbeatAt = lastHB.Time
	}
	return &n, nil
}

func (r *PostgresNodeRepo) Get(ctx context.Context, id string) (*core.Node, error) {
	node, err := scanNode(r.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("node get: %w", err)
	}
	return node, nil
}

func (r *PostgresNodeRepo) Save(ctx context.Context, n *core.Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	lastHB := sql.NullTime{Time: n.LastHeartbeatAt, Valid: !n.LastHeartbeatAt.IsZero()}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO nodes
			(id, host, status, provision_stage, capacity_mb, used_mb, cpu_percent, memory_mb, disk_mb, drain_status, agent_version, secret, last_heartbeat_at, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			host = $2, status = $3, provision_stage = NULLIF($4, ''),
			capacity_mb = $5, used_mb = $6,
			cpu_percent = $7, memory_mb = $8, disk_mb = $9,
			drain_status = NULLIF($10, ''), agent_version = NULLIF($11, ''),
			secret = NULLIF($12, ''), last_heartbeat_at = $13`,
		n.ID, n.Host, n.Status, n.ProvisionStage, n.CapacityMB, n.UsedMB,
		n.Usage.CPUPercent, n.Usage.MemoryMB, n.Usage.DiskMB,
		n.DrainStatus, n.AgentVersion, n.Secret, lastHB, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("node save: %w", err)
	}
	return nil
}

func (r *PostgresNodeRepo) List(ctx context.Context) ([]core.Node, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("node list: %w", err)
	}
	defer rows.Close()

	var out []core.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("node scan: %w", err)
		}
		out = append(out, *node)
	}
	return out, rows.Err()
}

// PostgresInstanceRepo stores bot instances in bot_instances.
type PostgresInstanceRepo struct {
	db *database.DB
}

func NewPostgresInstanceRepo(db *database.DB) *PostgresInstanceRepo {
	return &PostgresInstanceRepo{db: db}
}

const instanceColumns = `id, tenant_id, COALESCE(node_id, ''), billing_state,
	COALESCE(resource_tier, ''), storage_mb, suspended_at, destroy_after, created_at`

func scanInstance(row interface{ Scan(...interface{}) error }) (*core.BotInstance, error) {
	var inst core.BotInstance
	var suspended, destroy sql.NullTime
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.NodeID, &inst.BillingState,
		&inst.ResourceTier, &inst.StorageMB, &suspended, &destroy, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	if suspended.Valid {
		inst.SuspendedAt = &suspended.Time
	}
	if destroy.Valid {
		inst.DestroyAfter = &destroy.Time
	}
	return &inst, nil
}

func (r *PostgresInstanceRepo) Get(ctx context.Context, id string) (*core.BotInstance, error) {
	inst, err := scanInstance(r.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM bot_instances WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("instance get: %w", err)
	}
	return inst, nil
}

func (r *PostgresInstanceRepo) Save(ctx context.Context, inst *core.BotInstance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bot_instances
			(id, tenant_id, node_id, billing_state, resource_tier, storage_mb, suspended_at, destroy_after, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = $2, node_id = NULLIF($3, ''), billing_state = $4,
			resource_tier = NULLIF($5, ''), storage_mb = $6,
			suspended_at = $7, destroy_after = $8`,
		inst.ID, inst.TenantID, inst.NodeID, inst.BillingState, inst.ResourceTier,
		inst.StorageMB, inst.SuspendedAt, inst.DestroyAfter, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("instance save: %w", err)
	}
	return nil
}

func (r *PostgresInstanceRepo) ListByTenant(ctx context.Context, tenantID string) ([]core.BotInstance, error) {
	return r.list(ctx,
		`SELECT `+instanceColumns+` FROM bot_instances WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

func (r *PostgresInstanceRepo) ListDueDestroy(ctx context.Context, now time.Time) ([]core.BotInstance, error) {
	return r.list(ctx,
		`SELECT `+instanceColumns+` FROM bot_instances
		 WHERE billing_state <> 'destroyed' AND destroy_after IS NOT NULL AND destroy_after <= $1
		 ORDER BY id`, now)
}

func (r *PostgresInstanceRepo) list(ctx context.Context, query string, args ...interface{}) ([]core.BotInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("instance list: %w", err)
	}
	defer rows.Close()

	var out []core.BotInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("instance scan: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}
