// Package circuitbreaker pauses an instance that receives more traffic
// than it is provisioned for, shedding load before per-tenant work starts.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota // normal operation, requests pass through
	StateOpen                // request volume exceeded, instance paused
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrPaused is returned while the breaker is open. Callers answer 503.
var ErrPaused = errors.New("circuit breaker is open")

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this breaker in persisted state and trip events.
	Name string

	// MaxRequests is the volume threshold: strictly more than this many
	// requests inside Window trips the breaker.
	MaxRequests int

	// Window is the counting window.
	Window time.Duration

	// Pause is how long the breaker stays open after a trip.
	Pause time.Duration

	// OnTrip fires exactly once per trip with the request count that
	// crossed the threshold.
	OnTrip func(name string, count int)
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 1000,
		Window:      10 * time.Second,
		Pause:       30 * time.Second,
	}
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// Breaker is a per-instance volume breaker. Counting uses a fixed window
// that resets when its start falls out of range; crossing the threshold
// opens the breaker until pausedUntil passes.
type Breaker struct {
	cfg    Config
	repo   Repository
	logger *log.Logger

	mu          sync.Mutex
	count       int
	windowStart time.Time
	pausedUntil time.Time

	now func() time.Time
}

// New creates a breaker. repo may be nil for purely in-process state;
// with a repo, a previous pause survives process restarts.
func New(cfg Config, repo Repository) *Breaker {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 1000
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 30 * time.Second
	}

	b := &Breaker{
		cfg:    cfg,
		repo:   repo,
		logger: log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags),
		now:    time.Now,
	}

	if repo != nil {
		if snap, err := repo.Load(cfg.Name); err != nil {
			b.logger.Printf("load state for %s failed: %v", cfg.Name, err)
		} else if snap != nil {
			b.count = snap.Count
			b.windowStart = snap.WindowStart
			b.pausedUntil = snap.PausedUntil
		}
	}
	return b
}

// Allow counts one request. It returns ErrPaused while the breaker is
// open, including on the request that trips it.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.pausedUntil) {
		return ErrPaused
	}

	if now.Sub(b.windowStart) >= b.cfg.Window {
		b.windowStart = now
		b.count = 0
	}
	b.count++

	if b.count > b.cfg.MaxRequests {
		b.trip(now)
		return ErrPaused
	}
	return nil
}

// State reports the current state without counting a request.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.now().Before(b.pausedUntil) {
		return StateOpen
	}
	return StateClosed
}

// PausedUntil returns the end of the current pause, zero when closed.
func (b *Breaker) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pausedUntil
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip(now time.Time) {
	tripped := b.count
	b.pausedUntil = now.Add(b.cfg.Pause)
	b.count = 0
	b.windowStart = now

	b.logger.Printf("%s tripped: %d requests in %s, paused until %s",
		b.cfg.Name, tripped, b.cfg.Window, b.pausedUntil.Format(time.RFC3339))

	if b.repo != nil {
		if err := b.repo.Save(b.cfg.Name, Snapshot{
			Count:       b.count,
			WindowStart: b.windowStart,
			PausedUntil: b.pausedUntil,
		}); err != nil {
			b.logger.Printf("persist state for %s failed: %v", b.cfg.Name, err)
		}
	}

	if b.cfg.OnTrip != nil {
		// One trip, one event. The hook runs under the breaker lock and
		// must not call back into the breaker.
		b.cfg.OnTrip(b.cfg.Name, tripped)
	}
}
