package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over a fixed ring of timestamps.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	full   bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at time "now" should be permitted.
//
// The ring holds the last limit accepted events; the slot about to be overwritten is the
// oldest, so the event is allowed iff that slot has aged out of the window.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full && now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true
}
