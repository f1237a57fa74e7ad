package circuitbreaker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/wopr-platform/controlplane/internal/database"
)

// Snapshot is the persisted breaker state.
type Snapshot struct {
	Count       int
	WindowStart time.Time
	PausedUntil time.Time
}

// Repository persists breaker state so a pause survives restarts.
type Repository interface {
	Load(name string) (*Snapshot, error)
	Save(name string, snap Snapshot) error
}

// MemoryRepository keeps snapshots in process memory.
type MemoryRepository struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snaps: make(map[string]Snapshot)}
}

func (r *MemoryRepository) Load(name string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.snaps[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (r *MemoryRepository) Save(name string, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[name] = snap
	return nil
}

// PostgresRepository stores snapshots in circuit_breaker_state.
type PostgresRepository struct {
	db *database.DB
}

func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Load(name string) (*Snapshot, error) {
	var snap Snapshot
	var pausedUntil sql.NullTime
	err := r.db.QueryRowContext(context.Background(),
		`SELECT count, window_start, paused_until FROM circuit_breaker_state WHERE name = $1`,
		name).Scan(&snap.Count, &snap.WindowStart, &pausedUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker load: %w", err)
	}
	if pausedUntil.Valid {
		snap.PausedUntil = pausedUntil.Time
	}
	return &snap, nil
}

func (r *PostgresRepository) Save(name string, snap Snapshot) error {
	_, err := r.db.ExecContext(context.Background(),
		`INSERT INTO circuit_breaker_state (name, count, window_start, paused_until)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
			count = $2, window_start = $3, paused_until = $4`,
		name, snap.Count, snap.WindowStart, snap.PausedUntil)
	if err != nil {
		return fmt.Errorf("breaker save: %w", err)
	}
	return nil
}
