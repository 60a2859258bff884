package breaker

import (
	"sync"
	"time"

	"warden/pkg/clock"
)

const (
	StateClosed = "CLOSED"
	StateOpen   = "OPEN"
)

// Fallback declares what the caller should do while the class is open.
const (
	FallbackRespondError  = "respond_error"
	FallbackQueueForLater = "queue_for_later"
)

// Settings configure one action class. A zero MaxAttempts means the class is
// not breaker-protected and every call is admitted.
type Settings struct {
	MaxAttempts int
	Window      time.Duration
	Cooldown    time.Duration
	Fallback    string
}

type Result struct {
	Allowed    bool
	State      string
	Fallback   string
	RetryAfter time.Duration
}

// Breaker trips an action class system-wide after sustained overload. It is
// deliberately coarse: one state per class, not per identity, so a
// compromised caller cannot dodge it by rotating identities.
type Breaker struct {
	clock clock.Clock

	mu       sync.Mutex
	settings map[string]Settings
	classes  map[string]*classState
}

type classState struct {
	mu        sync.Mutex
	attempts  []time.Time
	state     string
	trippedAt time.Time
}

func New(clk clock.Clock, settings map[string]Settings) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Breaker{
		clock:    clk,
		settings: map[string]Settings{},
		classes:  map[string]*classState{},
	}
	b.Configure(settings)
	return b
}

// Configure swaps the per-class settings. Existing open states are kept: a
// reload must not silently close a tripped breaker.
func (b *Breaker) Configure(settings map[string]Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = map[string]Settings{}
	for class, s := range settings {
		if s.Window <= 0 {
			s.Window = time.Minute
		}
		if s.Cooldown <= 0 {
			s.Cooldown = 5 * time.Minute
		}
		if s.Fallback == "" {
			s.Fallback = FallbackRespondError
		}
		b.settings[class] = s
	}
}

// Allow records an attempt against the class and reports whether it may
// proceed. Once open, every call is denied until the cooldown elapses, then
// the class auto-resets to closed.
func (b *Breaker) Allow(class string) Result {
	s, ok := b.classSettings(class)
	if !ok || s.MaxAttempts <= 0 {
		return Result{Allowed: true, State: StateClosed}
	}
	now := b.clock.Now()
	cs := b.class(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state == StateOpen {
		reopenAt := cs.trippedAt.Add(s.Cooldown)
		if now.Before(reopenAt) {
			return Result{
				Allowed:    false,
				State:      StateOpen,
				Fallback:   s.Fallback,
				RetryAfter: reopenAt.Sub(now),
			}
		}
		cs.state = StateClosed
		cs.attempts = cs.attempts[:0]
	}
	cs.prune(now, s.Window)
	cs.attempts = append(cs.attempts, now)
	if len(cs.attempts) > s.MaxAttempts {
		cs.state = StateOpen
		cs.trippedAt = now
		return Result{
			Allowed:    false,
			State:      StateOpen,
			Fallback:   s.Fallback,
			RetryAfter: s.Cooldown,
		}
	}
	return Result{Allowed: true, State: StateClosed}
}

// State reports the class state without recording an attempt.
func (b *Breaker) State(class string) Result {
	s, ok := b.classSettings(class)
	if !ok || s.MaxAttempts <= 0 {
		return Result{Allowed: true, State: StateClosed}
	}
	now := b.clock.Now()
	cs := b.class(class)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state == StateOpen {
		reopenAt := cs.trippedAt.Add(s.Cooldown)
		if now.Before(reopenAt) {
			return Result{State: StateOpen, Fallback: s.Fallback, RetryAfter: reopenAt.Sub(now)}
		}
	}
	return Result{Allowed: true, State: StateClosed}
}

// Reset force-closes a class. Privileged: never wired to a network-reachable
// endpoint, so it stays effective against a compromised caller.
func (b *Breaker) Reset(class string) {
	cs := b.class(class)
	cs.mu.Lock()
	cs.state = StateClosed
	cs.attempts = cs.attempts[:0]
	cs.trippedAt = time.Time{}
	cs.mu.Unlock()
}

func (b *Breaker) classSettings(class string) (Settings, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.settings[class]
	return s, ok
}

func (b *Breaker) class(class string) *classState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.classes[class]
	if !ok {
		cs = &classState{state: StateClosed}
		b.classes[class] = cs
	}
	return cs
}

func (cs *classState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(cs.attempts) && !cs.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cs.attempts = append(cs.attempts[:0], cs.attempts[i:]...)
	}
}
