package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"warden/pkg/breaker"
	"warden/pkg/content"
	"warden/pkg/floodguard"
	"warden/pkg/models"
	"warden/pkg/ratelimit"
)

// Durability policies for counter-window and breaker state. Nonce and device
// records are always durable; whether the volatile tiers should also survive
// restart is a deployment choice, so it is policy rather than hard-coded.
const (
	DurabilityVolatile = "volatile"
	DurabilityDurable  = "durable"
)

type Identity struct {
	Group string `json:"group"`
}

// Limit is a rolling-window admission budget. Max -1 means unbounded.
type Limit struct {
	Max       int `json:"max"`
	WindowSec int `json:"window_sec"`
}

func (l Limit) Window() time.Duration {
	if l.WindowSec <= 0 {
		return time.Minute
	}
	return time.Duration(l.WindowSec) * time.Second
}

type BreakerSpec struct {
	MaxAttempts int    `json:"max_attempts"`
	WindowSec   int    `json:"window_sec"`
	CooldownSec int    `json:"cooldown_sec"`
	Fallback    string `json:"fallback"`
}

type ReplaySpec struct {
	ToleranceSec int `json:"tolerance_sec"`
	RetentionSec int `json:"retention_sec"`
}

type FloodSpec struct {
	MaxAlertsPerState      int      `json:"max_alerts_per_state"`
	EscalationIntervalsSec []int    `json:"escalation_intervals_sec"`
	FlappingThreshold      int      `json:"flapping_threshold"`
	AlarmStates            []string `json:"alarm_states"`
}

// Config is one atomic policy generation. It is parsed, validated and then
// swapped in whole; a failed validation leaves the previous generation
// running untouched.
type Config struct {
	Identities    map[string]Identity    `json:"identities"`
	RateOverrides map[string]Limit       `json:"rate_overrides"`
	Limits        map[string]Limit       `json:"limits"`
	Breakers      map[string]BreakerSpec `json:"breakers"`
	ContentRules  []content.RuleSpec     `json:"content_rules"`
	DeviceClasses []floodguard.ClassRule `json:"device_classes"`
	Flood         FloodSpec              `json:"flood"`
	Replay        ReplaySpec             `json:"replay"`

	MaxMessageRunes  int    `json:"max_message_runes"`
	LengthPolicy     string `json:"length_policy"`
	Durability       string `json:"durability"`
	AnomalyThreshold int    `json:"anomaly_threshold"`
	AnomalyWindowSec int    `json:"anomaly_window_sec"`
}

func Default() *Config {
	return &Config{
		Identities: map[string]Identity{},
		Limits: map[string]Limit{
			string(models.KindInboundMessage):  {Max: 30, WindowSec: 60},
			string(models.KindDeviceEvent):     {Max: ratelimit.Unbounded},
			string(models.KindOutboundMessage): {Max: 20, WindowSec: 60},
			string(models.KindSystemAction):    {Max: 10, WindowSec: 60},
			string(models.KindAgentAction):     {Max: 10, WindowSec: 60},
		},
		Breakers: map[string]BreakerSpec{
			"send_message": {MaxAttempts: 60, WindowSec: 60, CooldownSec: 300, Fallback: breaker.FallbackRespondError},
		},
		DeviceClasses: floodguard.DefaultClassRules(),
		Flood: FloodSpec{
			MaxAlertsPerState:      3,
			EscalationIntervalsSec: []int{0, 300, 900},
			FlappingThreshold:      6,
			AlarmStates:            []string{"triggered", "alarm"},
		},
		Replay: ReplaySpec{
			ToleranceSec: 300,
			RetentionSec: 900,
		},
		MaxMessageRunes:  8000,
		LengthPolicy:     string(content.LengthTruncate),
		Durability:       DurabilityVolatile,
		AnomalyThreshold: 25,
		AnomalyWindowSec: 300,
	}
}

func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	tolerance := time.Duration(c.Replay.ToleranceSec) * time.Second
	retention := time.Duration(c.Replay.RetentionSec) * time.Second
	if tolerance <= 0 {
		return fmt.Errorf("config: replay tolerance must be positive")
	}
	if retention <= 2*tolerance {
		return fmt.Errorf("config: replay retention (%s) must exceed twice the tolerance (%s)", retention, tolerance)
	}
	for id := range c.RateOverrides {
		if _, ok := c.Identities[id]; !ok {
			return fmt.Errorf("config: rate override references unknown identity %q", id)
		}
	}
	for kind, limit := range c.Limits {
		if limit.Max < ratelimit.Unbounded {
			return fmt.Errorf("config: limit for %q has invalid max %d", kind, limit.Max)
		}
	}
	for class, spec := range c.Breakers {
		switch spec.Fallback {
		case "", breaker.FallbackRespondError, breaker.FallbackQueueForLater:
		default:
			return fmt.Errorf("config: breaker %q has unknown fallback %q", class, spec.Fallback)
		}
	}
	if _, err := content.Compile(c.ContentRules); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch content.LengthPolicy(c.LengthPolicy) {
	case content.LengthTruncate, content.LengthReject:
	default:
		return fmt.Errorf("config: unknown length policy %q", c.LengthPolicy)
	}
	switch strings.TrimSpace(c.Durability) {
	case DurabilityVolatile, DurabilityDurable:
	default:
		return fmt.Errorf("config: unknown durability policy %q", c.Durability)
	}
	return nil
}

// LimitFor resolves the admission budget for a scope: per-identity overrides
// win over the per-kind default.
func (c *Config) LimitFor(kind models.RequestKind, identity string) Limit {
	if limit, ok := c.RateOverrides[identity]; ok {
		return limit
	}
	if limit, ok := c.Limits[string(kind)]; ok {
		return limit
	}
	return Limit{Max: 10, WindowSec: 60}
}

func (c *Config) GroupFor(identity string) string {
	if ident, ok := c.Identities[identity]; ok && ident.Group != "" {
		return ident.Group
	}
	return identity
}

func (c *Config) BreakerSettings() map[string]breaker.Settings {
	out := make(map[string]breaker.Settings, len(c.Breakers))
	for class, spec := range c.Breakers {
		out[class] = breaker.Settings{
			MaxAttempts: spec.MaxAttempts,
			Window:      time.Duration(spec.WindowSec) * time.Second,
			Cooldown:    time.Duration(spec.CooldownSec) * time.Second,
			Fallback:    spec.Fallback,
		}
	}
	return out
}

func (c *Config) FloodSettings() floodguard.Settings {
	intervals := make([]time.Duration, 0, len(c.Flood.EscalationIntervalsSec))
	for _, sec := range c.Flood.EscalationIntervalsSec {
		intervals = append(intervals, time.Duration(sec)*time.Second)
	}
	return floodguard.Settings{
		MaxAlertsPerState:   c.Flood.MaxAlertsPerState,
		EscalationIntervals: intervals,
		FlappingThreshold:   c.Flood.FlappingThreshold,
		AlarmStates:         c.Flood.AlarmStates,
	}
}

func (c *Config) ReplayTolerance() time.Duration {
	return time.Duration(c.Replay.ToleranceSec) * time.Second
}

func (c *Config) ReplayRetention() time.Duration {
	return time.Duration(c.Replay.RetentionSec) * time.Second
}
