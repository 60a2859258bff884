package floodguard

import (
	"context"
	"sync"
	"time"

	"warden/pkg/clock"
	"warden/pkg/models"
	"warden/pkg/store"
)

const (
	ActionSuppress    = "suppress"
	ActionCritical    = "critical"
	ActionLowPriority = "low_priority"
)

const (
	ReasonDuplicateState        = "duplicate_state"
	ReasonFlappingSuspected     = "flapping_suspected"
	ReasonFlappingAlreadyWarned = "flapping_already_warned"
	ReasonRoutineTelemetry      = "routine_telemetry"
	ReasonStateCleared          = "state_cleared"
	ReasonAcknowledged          = "acknowledged"
	ReasonAlertBudgetExhausted  = "alert_budget_exhausted"
	ReasonIntervalNotElapsed    = "interval_not_elapsed"
	ReasonAlert                 = "alert"
)

type Decision struct {
	Action      string
	Reason      string
	AlertNumber int
	MaxAlerts   int
}

type Settings struct {
	MaxAlertsPerState   int
	EscalationIntervals []time.Duration
	FlappingThreshold   int
	AlarmStates         []string
}

func DefaultSettings() Settings {
	return Settings{
		MaxAlertsPerState:   3,
		EscalationIntervals: []time.Duration{0, 5 * time.Minute, 15 * time.Minute},
		FlappingThreshold:   6,
		AlarmStates:         []string{"triggered", "alarm"},
	}
}

// Guard is the per-device confirmation-loop state machine. It distinguishes
// a genuine safety emergency (escalating re-alerts until acknowledged or
// cleared) from a flapping or compromised sensor (one malfunction warning,
// then silence for the rest of the hour).
type Guard struct {
	store store.Cache
	clock clock.Clock

	mu       sync.RWMutex
	settings Settings
	classes  *Classifier

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(cache store.Cache, clk clock.Clock, settings Settings, classifier *Classifier) *Guard {
	if clk == nil {
		clk = clock.Real{}
	}
	if classifier == nil {
		classifier = NewClassifier(DefaultClassRules())
	}
	g := &Guard{
		store: cache,
		clock: clk,
		locks: map[string]*sync.Mutex{},
	}
	g.Configure(settings, classifier)
	return g
}

// Configure swaps thresholds and the classification table on reload.
func (g *Guard) Configure(settings Settings, classifier *Classifier) {
	if settings.MaxAlertsPerState <= 0 {
		settings.MaxAlertsPerState = 3
	}
	if len(settings.EscalationIntervals) == 0 {
		settings.EscalationIntervals = []time.Duration{0, 5 * time.Minute, 15 * time.Minute}
	}
	if settings.FlappingThreshold <= 0 {
		settings.FlappingThreshold = 6
	}
	if len(settings.AlarmStates) == 0 {
		settings.AlarmStates = []string{"triggered", "alarm"}
	}
	g.mu.Lock()
	g.settings = settings
	if classifier != nil {
		g.classes = classifier
	}
	g.mu.Unlock()
}

// Handle evaluates one device event. State is mutated under the per-device
// lock and persisted before any send decision is returned, so a store
// failure suppresses the escalation instead of over-alerting; it never
// retracts a send that already committed.
func (g *Guard) Handle(ctx context.Context, ev models.DeviceEvent) (Decision, error) {
	lock := g.deviceLock(ev.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	settings := g.currentSettings()
	st, err := g.loadState(ctx, ev.DeviceID)
	if err != nil {
		return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
	}
	now := g.clock.Now()
	if st.HourWindowStart.IsZero() || now.Sub(st.HourWindowStart) >= time.Hour {
		st.HourWindowStart = now
		st.Transitions = 0
		st.MalfunctionWarned = false
	}
	_, critical := g.classifier().Classify(ev.DeviceID)

	if ev.NewState == st.CurrentState {
		// A device already warned as malfunctioning stays off every
		// channel until its hour window resets; duplicates from it must
		// not re-enter the escalation gate.
		if st.MalfunctionWarned {
			if err := g.saveState(ctx, st); err != nil {
				return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
			}
			return Decision{Action: ActionSuppress, Reason: ReasonFlappingAlreadyWarned}, nil
		}
		// Duplicate report. An active alarm on a critical device still
		// drives the escalation gate (which holds the acknowledgment
		// latch); everything else is noise.
		if critical && g.isAlarm(settings, st.CurrentState) && st.AlertsSent > 0 {
			return g.escalate(ctx, st, settings, now)
		}
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		return Decision{Action: ActionSuppress, Reason: ReasonDuplicateState}, nil
	}

	st.Transitions++
	if st.Transitions > settings.FlappingThreshold {
		// keep tracking the observed state so continued oscillation counts
		// as transitions, but leave the incident context untouched
		st.CurrentState = ev.NewState
		st.StateChangedAt = now
		if !st.MalfunctionWarned {
			st.MalfunctionWarned = true
			if err := g.saveState(ctx, st); err != nil {
				return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
			}
			// exactly one warning per hour, and never on the critical channel
			return Decision{Action: ActionLowPriority, Reason: ReasonFlappingSuspected}, nil
		}
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		return Decision{Action: ActionSuppress, Reason: ReasonFlappingAlreadyWarned}, nil
	}

	// genuine state change: new incident context
	wasAlarm := g.isAlarm(settings, st.CurrentState)
	st.CurrentState = ev.NewState
	st.StateChangedAt = now
	st.AlertsSent = 0
	st.LastAlertAt = time.Time{}
	st.Acknowledged = false

	if !critical || !g.isAlarm(settings, ev.NewState) {
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		if wasAlarm && !g.isAlarm(settings, ev.NewState) {
			return Decision{Action: ActionSuppress, Reason: ReasonStateCleared}, nil
		}
		return Decision{Action: ActionSuppress, Reason: ReasonRoutineTelemetry}, nil
	}

	return g.escalate(ctx, st, settings, now)
}

// escalate runs steps 5-8: the acknowledgment latch, the alert budget and
// the escalating-interval gate.
func (g *Guard) escalate(ctx context.Context, st *DeviceState, settings Settings, now time.Time) (Decision, error) {
	if st.Acknowledged {
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		return Decision{Action: ActionSuppress, Reason: ReasonAcknowledged}, nil
	}
	if st.AlertsSent >= settings.MaxAlertsPerState {
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		return Decision{
			Action:      ActionLowPriority,
			Reason:      ReasonAlertBudgetExhausted,
			AlertNumber: st.AlertsSent,
			MaxAlerts:   settings.MaxAlertsPerState,
		}, nil
	}
	interval := escalationInterval(settings.EscalationIntervals, st.AlertsSent)
	if st.AlertsSent > 0 && now.Sub(st.LastAlertAt) < interval {
		if err := g.saveState(ctx, st); err != nil {
			return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
		}
		return Decision{Action: ActionSuppress, Reason: ReasonIntervalNotElapsed}, nil
	}
	st.AlertsSent++
	st.LastAlertAt = now
	if err := g.saveState(ctx, st); err != nil {
		// the send has not been committed yet: fail closed
		return Decision{Action: ActionSuppress, Reason: models.ReasonInternalError}, err
	}
	return Decision{
		Action:      ActionCritical,
		Reason:      ReasonAlert,
		AlertNumber: st.AlertsSent,
		MaxAlerts:   settings.MaxAlertsPerState,
	}, nil
}

// Acknowledge latches every currently-triggered, unacknowledged device.
// Session-wide: the single trusted operator acknowledging one alert is taken
// to have seen them all. Returns the number of devices latched.
func (g *Guard) Acknowledge(ctx context.Context) (int, error) {
	keys, err := g.store.Keys(ctx, devicePrefix)
	if err != nil {
		return 0, err
	}
	settings := g.currentSettings()
	latched := 0
	for _, key := range keys {
		deviceID := key[len(devicePrefix):]
		lock := g.deviceLock(deviceID)
		lock.Lock()
		st, err := g.loadState(ctx, deviceID)
		if err != nil {
			lock.Unlock()
			continue
		}
		if g.isAlarm(settings, st.CurrentState) && !st.Acknowledged {
			st.Acknowledged = true
			if err := g.saveState(ctx, st); err == nil {
				latched++
			}
		}
		lock.Unlock()
	}
	return latched, nil
}

// State returns the current record for introspection.
func (g *Guard) State(ctx context.Context, deviceID string) (*DeviceState, error) {
	lock := g.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	return g.loadState(ctx, deviceID)
}

func (g *Guard) isAlarm(settings Settings, state string) bool {
	for _, s := range settings.AlarmStates {
		if s == state {
			return true
		}
	}
	return false
}

func (g *Guard) currentSettings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

func (g *Guard) classifier() *Classifier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.classes
}

func (g *Guard) deviceLock(deviceID string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	l, ok := g.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[deviceID] = l
	}
	return l
}

// escalationInterval returns the wait required before alert n+1. Past the
// configured ladder the last interval repeats.
func escalationInterval(intervals []time.Duration, sent int) time.Duration {
	if sent < len(intervals) {
		return intervals[sent]
	}
	return intervals[len(intervals)-1]
}
