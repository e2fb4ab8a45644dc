package ratelimit

import (
	"sync"
	"time"
)

// Limiter lets an action under a given key fire at most once per interval.
type Limiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func New() *Limiter {
	return &Limiter{last: make(map[string]time.Time)}
}

// TryAcquire reports whether key may fire at now. On success now is recorded
// as the last fire time; on refusal nothing changes.
func (l *Limiter) TryAcquire(key string, interval time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[key]; ok && now.Sub(prev) < interval {
		return false
	}
	l.last[key] = now
	return true
}

// Reset forgets the last fire time for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.last, key)
	l.mu.Unlock()
}
