package floodguard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"warden/pkg/store"
)

// DeviceState is the durable per-device record. It must survive restarts so
// a forced crash cannot reset the alert budget or the flapping counter.
type DeviceState struct {
	DeviceID          string    `json:"device_id"`
	Class             string    `json:"class"`
	CurrentState      string    `json:"current_state"`
	StateChangedAt    time.Time `json:"state_changed_at"`
	AlertsSent        int       `json:"alerts_sent_this_state"`
	LastAlertAt       time.Time `json:"last_alert_at"`
	Acknowledged      bool      `json:"acknowledged"`
	Transitions       int       `json:"transitions_this_hour"`
	HourWindowStart   time.Time `json:"hour_window_start"`
	MalfunctionWarned bool      `json:"malfunction_warned"`
}

const devicePrefix = "device:"

func (g *Guard) loadState(ctx context.Context, deviceID string) (*DeviceState, error) {
	raw, err := g.store.Get(ctx, devicePrefix+deviceID)
	if errors.Is(err, store.ErrNotFound) {
		class, _ := g.classifier().Classify(deviceID)
		return &DeviceState{DeviceID: deviceID, Class: class}, nil
	}
	if err != nil {
		return nil, err
	}
	var st DeviceState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// corrupt record: start over rather than wedge the device
		class, _ := g.classifier().Classify(deviceID)
		return &DeviceState{DeviceID: deviceID, Class: class}, nil
	}
	return &st, nil
}

func (g *Guard) saveState(ctx context.Context, st *DeviceState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, devicePrefix+st.DeviceID, string(raw), 0)
}
