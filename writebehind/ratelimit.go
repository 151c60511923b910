package writebehind

import (
	"sync"
	"time"
)

const (
	DefaultMaxWritesPerWindow = 120
	DefaultRateWindow         = time.Minute
)

// RateLimiter counts physical writes in a fixed window. It never blocks or
// drops anything; callers ask Allow and flush early when it says no.
type RateLimiter struct {
	mu          sync.Mutex
	ceiling     int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewRateLimiter creates a limiter allowing ceiling writes per window.
// Non-positive arguments select the defaults.
func NewRateLimiter(ceiling int, window time.Duration) *RateLimiter {
	if ceiling <= 0 {
		ceiling = DefaultMaxWritesPerWindow
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		ceiling:     ceiling,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// roll starts a new window if the current one has elapsed (must be called
// with lock held)
func (r *RateLimiter) roll() {
	now := r.now()
	if now.Sub(r.windowStart) > r.window {
		r.count = 0
		r.windowStart = now
	}
}

// Allow reports whether the current window is still below the ceiling
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	return r.count < r.ceiling
}

// Record counts one physical write
func (r *RateLimiter) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	r.count++
}

// Count returns the number of writes recorded in the current window
func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll()
	return r.count
}

// Ceiling returns the configured writes per window
func (r *RateLimiter) Ceiling() int {
	return r.ceiling
}
