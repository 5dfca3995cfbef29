package httpapi

import (
	"sync"
	"time"
)

// RateLimiter is a fixed-window counter per key. Now is injectable so tests
// can step through windows without sleeping.
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// pruneThreshold bounds how many idle keys accumulate before expired
// windows are swept.
const pruneThreshold = 4096

// NewRateLimiter allows max requests per key in each window. A nil now uses
// the wall clock.
func NewRateLimiter(max int, window time.Duration, now func() time.Time) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		window:  window,
		max:     max,
		now:     now,
		entries: map[string]rateEntry{},
	}
}

// Allow counts one request against key. When it returns false, retryAfter
// is the time left in the current window.
func (r *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	if r == nil || r.max <= 0 {
		return true, 0
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.entries[key]
	if !found || !now.Before(entry.resetAt) {
		if len(r.entries) >= pruneThreshold {
			r.pruneLocked(now)
		}
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true, 0
	}
	if entry.count >= r.max {
		return false, entry.resetAt.Sub(now)
	}
	entry.count++
	r.entries[key] = entry
	return true, 0
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range r.entries {
		if !now.Before(entry.resetAt) {
			delete(r.entries, key)
		}
	}
}
