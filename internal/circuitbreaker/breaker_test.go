package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(max int, window, pause time.Duration, onTrip func(string, int)) (*Breaker, *time.Time) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &base
	b := New(Config{
		Name:        "instance-1",
		MaxRequests: max,
		Window:      window,
		Pause:       pause,
		OnTrip:      onTrip,
	}, nil)
	b.now = func() time.Time { return *clock }
	return b, clock
}

func TestBreaker_StaysClosedUnderThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, 10*time.Second, 30*time.Second, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsOverThreshold(t *testing.T) {
	var trips int
	var trippedCount int
	b, clock := newTestBreaker(5, 10*time.Second, 30*time.Second, func(_ string, count int) {
		trips++
		trippedCount = count
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
	}
	err := b.Allow()
	assert.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 1, trips)
	assert.Equal(t, 6, trippedCount)

	// Still paused: denied without firing the hook again.
	*clock = clock.Add(10 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrPaused)
	assert.Equal(t, 1, trips, "onTrip fires exactly once per trip")
}

func TestBreaker_ClosesAfterPause(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second, 30*time.Second, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
	}
	require.ErrorIs(t, b.Allow(), ErrPaused)

	*clock = clock.Add(31 * time.Second)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow(), "first request after the pause passes")
}

func TestBreaker_WindowResetsCount(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second, 30*time.Second, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
	}

	// A new window starts; the old count does not carry over.
	*clock = clock.Add(11 * time.Second)
	for i := 0; i < 3; i++ {
		assert.NoError(t, b.Allow())
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SecondTripFiresHookAgain(t *testing.T) {
	var trips int
	b, clock := newTestBreaker(1, 10*time.Second, 5*time.Second, func(string, int) { trips++ })

	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrPaused)
	require.Equal(t, 1, trips)

	*clock = clock.Add(6 * time.Second)
	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrPaused)
	assert.Equal(t, 2, trips)
}

func TestBreaker_RestoresPauseFromRepository(t *testing.T) {
	repo := NewMemoryRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save("instance-1", Snapshot{
		WindowStart: base,
		PausedUntil: base.Add(time.Minute),
	}))

	b := New(Config{Name: "instance-1", MaxRequests: 5, Window: 10 * time.Second, Pause: 30 * time.Second}, repo)
	b.now = func() time.Time { return base.Add(10 * time.Second) }

	assert.ErrorIs(t, b.Allow(), ErrPaused, "a persisted pause survives restart")
}
