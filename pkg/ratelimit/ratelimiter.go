package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key sliding-window rate limiter. Keys are typically
// client IPs. Stale keys are pruned lazily on each Allow call so the map
// does not grow without bound.
type Limiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	window  time.Duration
	max     int
	pruned  time.Time
	nowFunc func() time.Time
}

func NewLimiter(window time.Duration, max int) *Limiter {
	return &Limiter{
		hits:    make(map[string][]time.Time),
		window:  window,
		max:     max,
		nowFunc: time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	cutoff := now.Add(-l.window)

	recent := trim(l.hits[key], cutoff)
	if len(recent) >= l.max {
		l.hits[key] = recent
		return false
	}

	l.hits[key] = append(recent, now)

	if now.Sub(l.pruned) > l.window {
		l.prune(cutoff)
		l.pruned = now
	}
	return true
}

// trim drops hits older than cutoff, keeping the slice's backing array.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	kept := hits[:0]
	for _, hit := range hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	return kept
}

func (l *Limiter) prune(cutoff time.Time) {
	for key, hits := range l.hits {
		recent := trim(hits, cutoff)
		if len(recent) == 0 {
			delete(l.hits, key)
			continue
		}
		l.hits[key] = recent
	}
}
