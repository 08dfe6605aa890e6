package ratelimit

import (
	"sync"
	"time"
)

// EdgeLimiter throttles unauthenticated surfaces (challenge issuance) before
// any storage work happens. Unlike Windows it is best-effort: an in-memory
// limiter resets on restart and is per-replica, which is acceptable for an
// endpoint whose only cost is one row insert.
type EdgeLimiter interface {
	Allow(key string, limit int) Decision
}

type MemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]memEntry
}

type memEntry struct {
	count   int
	resetAt time.Time
}

func NewMemory(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{window: window, items: make(map[string]memEntry)}
}

func (l *MemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = memEntry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	if curr.count <= limit {
		return Decision{Allowed: true, Scope: key}
	}
	return Decision{Scope: key, RetryAfterSec: retryAfterSec(now, curr.resetAt)}
}

func retryAfterSec(now, resetAt time.Time) int {
	secs := int((resetAt.Sub(now) + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
