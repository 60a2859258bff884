package ratelimit

import (
	"sync"
	"time"

	"warden/pkg/clock"
)

// Unbounded always admits. Used for event-triggered safety alerts that must
// never be blocked.
const Unbounded = -1

type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Peek(key string, limit int, window time.Duration) Decision
	Reset(key string)
}

// SlidingLimiter keeps a true sliding log of admission timestamps per scope
// key. Keys are addressed through an arena of independently locked entries so
// unrelated scopes never contend; per key, admission is check-then-commit
// under the entry lock, so two concurrent callers can never both take the
// last slot.
type SlidingLimiter struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*logEntry

	sweepEvery int
	ops        int
}

type logEntry struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
	window   time.Duration
}

func NewSliding(clk clock.Clock) *SlidingLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &SlidingLimiter{
		clock:      clk,
		entries:    make(map[string]*logEntry),
		sweepEvery: 1024,
	}
}

func (l *SlidingLimiter) Allow(key string, limit int, window time.Duration) Decision {
	now := l.clock.Now()
	if limit == Unbounded {
		return Decision{Allowed: true, Limit: Unbounded, Remaining: Unbounded, ResetAt: now}
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	e := l.entry(key, now)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen = now
	e.window = window
	e.prune(now, window)
	if len(e.stamps) >= limit {
		oldest := e.stamps[0]
		retry := oldest.Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allowed:    false,
			Count:      len(e.stamps),
			Limit:      limit,
			Remaining:  0,
			ResetAt:    oldest.Add(window),
			RetryAfter: retry,
		}
	}
	e.stamps = append(e.stamps, now)
	return Decision{
		Allowed:   true,
		Count:     len(e.stamps),
		Limit:     limit,
		Remaining: limit - len(e.stamps),
		ResetAt:   e.stamps[0].Add(window),
	}
}

// Peek reports remaining capacity without consuming a slot.
func (l *SlidingLimiter) Peek(key string, limit int, window time.Duration) Decision {
	now := l.clock.Now()
	if limit == Unbounded {
		return Decision{Allowed: true, Limit: Unbounded, Remaining: Unbounded, ResetAt: now}
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(window)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now, window)
	count := len(e.stamps)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(window)
	if count > 0 {
		resetAt = e.stamps[0].Add(window)
	}
	return Decision{
		Allowed:   remaining > 0,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Reset clears the window for one scope key. Privileged: reachable only
// through the engine's local-only reset operation.
func (l *SlidingLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

func (l *SlidingLimiter) entry(key string, now time.Time) *logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops++
	if l.ops >= l.sweepEvery {
		l.ops = 0
		l.sweepLocked(now)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &logEntry{}
		l.entries[key] = e
	}
	return e
}

// sweepLocked evicts keys idle past their own window. Only then has every
// stamp slid out, so dropping the entry cannot re-open a budget.
func (l *SlidingLimiter) sweepLocked(now time.Time) {
	for k, e := range l.entries {
		e.mu.Lock()
		window := e.window
		if window <= 0 {
			window = time.Minute
		}
		idle := !e.lastSeen.IsZero() && e.lastSeen.Before(now.Add(-window))
		e.mu.Unlock()
		if idle {
			delete(l.entries, k)
		}
	}
}

func (e *logEntry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}
