package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalsGrow(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(now, 1*time.Second)

	first, ok := b.NextBackOff()
	require.True(t, ok)
	require.GreaterOrEqual(t, first, 500*time.Millisecond)
	require.LessOrEqual(t, first, 1500*time.Millisecond)

	now = now.Add(first)
	b.SetNow(now)

	second, ok := b.NextBackOff()
	require.True(t, ok)
	require.GreaterOrEqual(t, second, 1*time.Second)
	require.LessOrEqual(t, second, 3*time.Second)
}

func TestExhaustsAfterBudget(t *testing.T) {
	now := time.Unix(0, 0)
	b := New(now, 1*time.Second)

	// Advance past the total budget; the next request must signal exhaustion.
	b.SetNow(now.Add(defaultMaxElapsedTime + time.Second))

	_, ok := b.NextBackOff()
	require.False(t, ok)
}

func TestClockNeverMovesBackward(t *testing.T) {
	now := time.Unix(100, 0)
	b := New(now, 1*time.Second)

	b.SetNow(now.Add(30 * time.Second))
	b.SetNow(now) // stale, ignored
	require.Equal(t, now.Add(30*time.Second), b.clock.now)
}
