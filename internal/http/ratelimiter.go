package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter caps how many events may occur inside a rolling
// window. A zero window or limit disables the limiter entirely.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per window.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	// Events are recorded in time order, so everything expired sits at the
	// front of the slice.
	expired := 0
	for expired < len(l.events) && !l.events[expired].After(cutoff) {
		expired++
	}
	if expired > 0 {
		l.events = append(l.events[:0], l.events[expired:]...)
	}
	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, now)
	return true
}
