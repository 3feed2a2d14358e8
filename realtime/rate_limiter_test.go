package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 10*time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, _ := rl.Allow(t0)
	require.True(t, ok)
	ok, _ = rl.Allow(t0.Add(time.Second))
	require.True(t, ok)

	ok, retry := rl.Allow(t0.Add(2 * time.Second))
	require.False(t, ok)
	require.Equal(t, 8*time.Second, retry)

	// The first event leaves the window after 10s.
	ok, _ = rl.Allow(t0.Add(10*time.Second + time.Millisecond))
	require.True(t, ok)
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		ok, _ := rl.Allow(now)
		require.True(t, ok)
	}
	ok, retry := rl.Allow(now)
	require.False(t, ok)
	require.Equal(t, rateLimitWindow, retry)
}
