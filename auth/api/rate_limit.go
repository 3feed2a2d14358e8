package authapi

import (
	"sort"
	"sync"
	"time"

	"github.com/itsthenavid/arc-sockstate/auth/session"
)

// failureThrottle counts failed refresh attempts per key (client IP) in a
// sliding window. State is process-local: with several instances the
// effective limit is per instance.
type failureThrottle struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	failures map[string][]time.Time
}

func newFailureThrottle(max int, window time.Duration) *failureThrottle {
	return &failureThrottle{max: max, window: window, failures: make(map[string][]time.Time)}
}

// check returns a session.RefreshRateLimitError when key is currently blocked.
func (t *failureThrottle) check(key string, now time.Time) error {
	if t == nil || t.max <= 0 || key == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := prune(t.failures[key], now, t.window)
	if len(kept) == 0 {
		delete(t.failures, key)
	} else {
		t.failures[key] = kept
	}

	blocked, retry := evaluateWindowThrottle(now, kept, t.max, t.window)
	if !blocked {
		return nil
	}
	return session.RefreshRateLimitError{Key: key, RetryAfter: retry}
}

func (t *failureThrottle) fail(key string, now time.Time) {
	if t == nil || t.max <= 0 || key == "" {
		return
	}
	t.mu.Lock()
	t.failures[key] = append(prune(t.failures[key], now, t.window), now)
	t.mu.Unlock()
}

func (t *failureThrottle) reset(key string) {
	if t == nil || key == "" {
		return
	}
	t.mu.Lock()
	delete(t.failures, key)
	t.mu.Unlock()
}

func prune(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	kept := failures[:0]
	for _, f := range failures {
		if f.After(cut) {
			kept = append(kept, f)
		}
	}
	return kept
}

// evaluateWindowThrottle blocks once max failures fall inside window. The retry
// delay is how long until enough of them age out to fall below max.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}

	cut := now.Add(-window)
	recent := make([]time.Time, 0, len(failures))
	for _, f := range failures {
		if f.After(cut) {
			recent = append(recent, f)
		}
	}
	if len(recent) < max {
		return false, 0
	}

	// Newest first: the (max)th newest failure is the one that must expire.
	sort.Slice(recent, func(i, j int) bool { return recent[i].After(recent[j]) })
	pivot := recent[max-1]
	return true, pivot.Add(window).Sub(now)
}
