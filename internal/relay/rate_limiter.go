package relay

import (
	"sync"
	"time"
)

// RateLimiter bounds how many events one connection may emit inside a rolling
// window. Admitted timestamps live in a fixed ring sized to the limit, so the
// slot about to be reused always holds the oldest admitted event: a single
// comparison against it decides whether the window has room again. Allow is
// O(1) and allocation-free after construction.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	ring   []time.Time
	head   int // next slot to write; when full, the oldest admitted event
	count  int
}

// NewRateLimiter constructs a limiter admitting at most limit events per
// window. Non-positive inputs fall back to the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		window: window,
		ring:   make([]time.Time, limit),
	}
}

// Allow reports whether an event at time "now" fits the window, recording it
// when it does. Callers feed monotonically non-decreasing times.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < len(r.ring) {
		r.admit(now)
		r.count++
		return true
	}

	// Ring full: head holds the oldest admitted event. Its slot frees up
	// only once that event has aged out of the window.
	if now.Sub(r.ring[r.head]) < r.window {
		return false
	}
	r.admit(now)
	return true
}

func (r *RateLimiter) admit(now time.Time) {
	r.ring[r.head] = now
	r.head = (r.head + 1) % len(r.ring)
}
