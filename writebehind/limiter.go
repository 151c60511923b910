package writebehind

import (
	"context"
)

// SharedLimiter bounds the number of physical writes in flight across
// every processor holding it. The batch processor and the stats
// accumulator share one with a single slot.
type SharedLimiter struct {
	sem chan struct{}
}

// NewSharedLimiter creates a limiter with the given max concurrent writes
func NewSharedLimiter(maxConcurrent int) *SharedLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &SharedLimiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is available, respecting context cancellation
func (l *SharedLimiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot
func (l *SharedLimiter) Release() {
	<-l.sem
}

// TryAcquire attempts to acquire without blocking, returns false if unavailable
func (l *SharedLimiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// InFlight returns the number of held slots
func (l *SharedLimiter) InFlight() int {
	return len(l.sem)
}
