package policy

import (
	"context"
	"sync"
	"time"

	"warden/pkg/clock"
	"warden/pkg/models"
)

// StatusQuery identifies either a rate-limit scope or an action class.
type StatusQuery struct {
	Kind        models.RequestKind `json:"kind"`
	Channel     string             `json:"channel"`
	Identity    string             `json:"identity"`
	DeviceID    string             `json:"device_id"`
	ActionClass string             `json:"action_class"`
}

type Status struct {
	Scope        string    `json:"scope"`
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
	BreakerState string    `json:"breaker_state,omitempty"`
	Generation   int64     `json:"generation"`
}

// Status is read-only introspection: it never consumes a slot or records a
// breaker attempt.
func (e *Engine) Status(q StatusQuery) Status {
	snap := e.snap.Load()
	direction := models.DirectionIn
	identity := snap.cfg.GroupFor(q.Identity)
	switch q.Kind {
	case models.KindDeviceEvent:
		// device events bucket per device, mirroring evaluation
		if q.DeviceID != "" {
			identity = q.DeviceID
		}
	case models.KindOutboundMessage:
		direction = models.DirectionOut
	case models.KindSystemAction, models.KindAgentAction:
		direction = models.DirectionOut
		identity = q.ActionClass
	}
	scope := models.ScopeKey(direction, q.Channel, identity)
	limit := snap.cfg.LimitFor(q.Kind, q.Identity)
	rl := e.limiter.Peek(scope, limit.Max, limit.Window())
	out := Status{
		Scope:      scope,
		Remaining:  rl.Remaining,
		ResetAt:    rl.ResetAt,
		Generation: snap.generation,
	}
	if q.ActionClass != "" {
		out.BreakerState = e.breaker.State(q.ActionClass).State
	}
	return out
}

// Reset clears breaker and counter state for a scope or action class after an
// incident. Privileged and local-only: callers must not expose it over the
// network transport.
func (e *Engine) Reset(scope string) {
	e.breaker.Reset(scope)
	e.limiter.Reset(scope)
}

// Acknowledge latches every triggered, unacknowledged device. Exposed for
// callers that recognize acknowledgment outside the inbound-message path.
func (e *Engine) Acknowledge(ctx context.Context) (int, error) {
	return e.flood.Acknowledge(ctx)
}

// anomalyTracker keeps a rolling count of denials per request kind and fires
// once each time the threshold is crossed within the window.
type anomalyTracker struct {
	clock clock.Clock

	mu        sync.Mutex
	threshold int
	window    time.Duration
	events    map[string][]time.Time
}

func newAnomalyTracker(clk clock.Clock, threshold int, window time.Duration) *anomalyTracker {
	if threshold <= 0 {
		threshold = 25
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &anomalyTracker{
		clock:     clk,
		threshold: threshold,
		window:    window,
		events:    map[string][]time.Time{},
	}
}

func (a *anomalyTracker) configure(threshold int, window time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if threshold > 0 {
		a.threshold = threshold
	}
	if window > 0 {
		a.window = window
	}
}

func (a *anomalyTracker) observe(key string) bool {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-a.window)
	stamps := a.events[key]
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	stamps = append(stamps[i:], now)
	a.events[key] = stamps
	return len(stamps) == a.threshold
}
