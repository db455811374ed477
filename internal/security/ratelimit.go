package security

import (
	"sync"
	"time"
)

// Bucket defines a fixed-window rate limit
type Bucket struct {
	Limit  int
	Window time.Duration
}

// DefaultBuckets returns the built-in rate limit buckets
func DefaultBuckets() map[string]Bucket {
	return map[string]Bucket{
		"default":      {Limit: 100, Window: time.Minute},
		"health_check": {Limit: 1000, Window: time.Minute},
		"bulk":         {Limit: 10, Window: time.Minute},
	}
}

type window struct {
	count   int
	startAt time.Time
}

// RateLimiter enforces fixed-window limits per (identity, bucket) pair.
// Windows reset lazily on the first request after expiry.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]Bucket
	windows map[string]*window
	now     func() time.Time
}

// NewRateLimiter creates a limiter with the given buckets. Unknown
// bucket names fall back to "default".
func NewRateLimiter(buckets map[string]Bucket) *RateLimiter {
	if len(buckets) == 0 {
		buckets = DefaultBuckets()
	}
	if _, ok := buckets["default"]; !ok {
		buckets["default"] = Bucket{Limit: 100, Window: time.Minute}
	}
	return &RateLimiter{
		buckets: buckets,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow records one request for identity against the named bucket and
// reports whether it fits the current window, along with the remaining
// quota and the time the window resets.
func (r *RateLimiter) Allow(identity, bucket string) (bool, int, time.Time) {
	b, ok := r.buckets[bucket]
	if !ok {
		bucket = "default"
		b = r.buckets[bucket]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := identity + "|" + bucket
	w, ok := r.windows[key]
	if !ok || now.Sub(w.startAt) >= b.Window {
		w = &window{startAt: now}
		r.windows[key] = w
	}
	resetAt := w.startAt.Add(b.Window)

	if w.count >= b.Limit {
		return false, 0, resetAt
	}
	w.count++
	return true, b.Limit - w.count, resetAt
}

// Remaining reports the unused quota in the current window without
// consuming a request
func (r *RateLimiter) Remaining(identity, bucket string) int {
	b, ok := r.buckets[bucket]
	if !ok {
		bucket = "default"
		b = r.buckets[bucket]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[identity+"|"+bucket]
	if !ok || r.now().Sub(w.startAt) >= b.Window {
		return b.Limit
	}
	if w.count >= b.Limit {
		return 0
	}
	return b.Limit - w.count
}

// Prune drops expired windows to bound memory. Intended to run from a
// periodic maintenance loop.
func (r *RateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var maxWindow time.Duration
	for _, b := range r.buckets {
		if b.Window > maxWindow {
			maxWindow = b.Window
		}
	}

	now := r.now()
	pruned := 0
	for key, w := range r.windows {
		if now.Sub(w.startAt) >= maxWindow {
			delete(r.windows, key)
			pruned++
		}
	}
	return pruned
}
