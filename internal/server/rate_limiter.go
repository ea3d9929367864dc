// Package server limits how many frames a single connection may have
// answered per interval.
package server

import (
	"sync"
	"time"
)

// frameLimiter admits frames using the generic cell rate algorithm: every
// admitted frame pushes the theoretical arrival time (tat) forward by one
// emission interval, and a frame is refused while tat runs more than the
// burst tolerance ahead of now. A nil limiter admits everything.
type frameLimiter struct {
	mu        sync.Mutex
	emission  time.Duration
	tolerance time.Duration
	tat       time.Time
	now       func() time.Time
}

// newFrameLimiter allows burst frames at once and burst frames per interval
// sustained. It returns nil when burst is not positive.
func newFrameLimiter(burst int, interval time.Duration) *frameLimiter {
	if burst <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	emission := interval / time.Duration(burst)
	if emission <= 0 {
		emission = time.Nanosecond
	}
	return &frameLimiter{
		emission:  emission,
		tolerance: emission * time.Duration(burst-1),
		now:       time.Now,
	}
}

// admit reports whether a frame may be answered now. When it may not, wait
// is how long until the next frame would be admitted.
func (l *frameLimiter) admit() (ok bool, wait time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	tat := l.tat
	if tat.Before(now) {
		tat = now
	}

	if ahead := tat.Sub(now); ahead > l.tolerance {
		return false, ahead - l.tolerance
	}

	l.tat = tat.Add(l.emission)
	return true, 0
}
