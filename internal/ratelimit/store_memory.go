package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory with periodic garbage
// collection of expired entries.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[memKey]*memWindow
	stop    chan struct{}
}

type memKey struct {
	key   string
	scope string
}

type memWindow struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// NewMemoryStore creates a memory store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		windows: make(map[memKey]*memWindow),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Hit(_ context.Context, key, scope string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{key, scope}
	w, ok := s.windows[k]
	if !ok || now.Sub(w.windowStart) >= window {
		w = &memWindow{count: 1, windowStart: now, window: window}
		s.windows[k] = w
		return 1, now, nil
	}
	w.count++
	return w.count, w.windowStart, nil
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() {
	close(s.stop)
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for k, w := range s.windows {
				if now.Sub(w.windowStart) > 2*w.window {
					delete(s.windows, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
