// Package ratelimit implements the per-DID sliding window applied to
// signed actions. State is process-local: each node enforces its own
// window, and restarting the process resets it.
package ratelimit

import (
	"sync"
	"time"
)

// Defaults for signed-action ingestion.
const (
	DefaultLimit  = 5
	DefaultWindow = 60 * time.Second
)

// Limiter counts events per key inside a sliding window.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// New returns a limiter allowing limit events per window for each key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an attempt for key and reports whether it fits in the
// window. Rejected attempts are not recorded, so a burst of rejections
// does not extend the lockout.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// Reset clears the window for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

// Prune drops keys whose entries have all aged out. Called periodically
// so idle DIDs do not accumulate.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, times := range l.hits {
		live := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(l.hits, key)
		} else {
			l.hits[key] = live
		}
	}
}
