package apikey

import (
	"sync"
	"time"
)

// slidingLimiter implements sliding window rate limiting for one key over
// two windows, a minute and an hour. A zero limit disables that window.
type slidingLimiter struct {
	mu        sync.Mutex
	perMinute int
	perHour   int
	requests  []time.Time
	now       func() time.Time
}

func newSlidingLimiter(limit RateLimit, now func() time.Time) *slidingLimiter {
	if now == nil {
		now = time.Now
	}
	return &slidingLimiter{
		perMinute: limit.RequestsPerMinute,
		perHour:   limit.RequestsPerHour,
		requests:  make([]time.Time, 0),
		now:       now,
	}
}

// Allow checks both windows and, when the request is admitted, records it.
func (l *slidingLimiter) Allow() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Drop everything older than the widest window.
	cutoff := now.Add(-time.Hour)
	valid := l.requests[:0]
	for _, at := range l.requests {
		if at.After(cutoff) {
			valid = append(valid, at)
		}
	}
	l.requests = valid

	if l.perHour > 0 && len(l.requests) >= l.perHour {
		return false, "hourly rate limit exceeded"
	}
	if l.perMinute > 0 {
		minuteCutoff := now.Add(-time.Minute)
		inMinute := 0
		for _, at := range l.requests {
			if at.After(minuteCutoff) {
				inMinute++
			}
		}
		if inMinute >= l.perMinute {
			return false, "per-minute rate limit exceeded"
		}
	}

	l.requests = append(l.requests, now)
	return true, ""
}

// UpdateLimits replaces the window limits, keeping the recorded history.
func (l *slidingLimiter) UpdateLimits(limit RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = limit.RequestsPerMinute
	l.perHour = limit.RequestsPerHour
}
