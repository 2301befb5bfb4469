package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	// Allow prunes the requester's window, rejects without recording
	// when the ceiling is reached, and records the request otherwise.
	Allow(requesterID string, limit int, window time.Duration) Decision
	// Remaining is a non-mutating projection over the same pruning
	// logic. It never records a phantom request.
	Remaining(requesterID string, limit int, window time.Duration) int
}

type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Allow(requesterID string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now().UTC()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := pruned(l.windows[requesterID], cutoff)
	if len(kept) >= limit {
		l.windows[requesterID] = kept
		return Decision{
			Allowed:    false,
			Count:      len(kept),
			Limit:      limit,
			Remaining:  0,
			RetryAfter: retryAfter(kept[0], window, now),
		}
	}
	kept = append(kept, now)
	l.windows[requesterID] = kept
	return Decision{
		Allowed:   true,
		Count:     len(kept),
		Limit:     limit,
		Remaining: limit - len(kept),
	}
}

func (l *InMemoryLimiter) Remaining(requesterID string, limit int, window time.Duration) int {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	cutoff := l.now().UTC().Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, ts := range l.windows[requesterID] {
		if ts.After(cutoff) {
			count++
		}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// pruned returns a fresh filtered copy so concurrent iteration never
// observes in-place mutation.
func pruned(window []time.Time, cutoff time.Time) []time.Time {
	kept := make([]time.Time, 0, len(window))
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}
