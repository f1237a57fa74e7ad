package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/wopr-platform/controlplane/internal/database"
)

// PostgresStore shares windows across platform instances via the
// rate_limit_entries table. A single upsert does the reset-or-increment,
// so concurrent hits on the same key stay consistent.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Hit(ctx context.Context, key, scope string, window time.Duration, now time.Time) (int64, time.Time, error) {
	var count int64
	var windowStart time.Time
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rate_limit_entries (key, scope, count, window_start)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (key, scope) DO UPDATE SET
			count = CASE WHEN rate_limit_entries.window_start <= $4
				THEN 1 ELSE rate_limit_entries.count + 1 END,
			window_start = CASE WHEN rate_limit_entries.window_start <= $4
				THEN $3 ELSE rate_limit_entries.window_start END
		 RETURNING count, window_start`,
		key, scope, now, now.Add(-window)).Scan(&count, &windowStart)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit hit: %w", err)
	}
	return count, windowStart, nil
}
