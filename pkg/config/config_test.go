package config

import (
	"strings"
	"testing"
	"time"

	"warden/pkg/content"
	"warden/pkg/models"
	"warden/pkg/ratelimit"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	raw := []byte(`{
		"identities": {"operator": {"group": "household"}},
		"limits": {"inbound_message": {"max": 5, "window_sec": 30}},
		"replay": {"tolerance_sec": 60, "retention_sec": 300},
		"max_message_runes": 500
	}`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	limit := cfg.LimitFor(models.KindInboundMessage, "operator")
	if limit.Max != 5 || limit.Window() != 30*time.Second {
		t.Fatalf("unexpected limit: %+v", limit)
	}
	if cfg.MaxMessageRunes != 500 {
		t.Fatalf("unexpected max runes: %d", cfg.MaxMessageRunes)
	}
	// untouched defaults survive a partial document
	if cfg.Replay.ToleranceSec != 60 || cfg.Flood.FlappingThreshold != 6 {
		t.Fatalf("defaults clobbered: %+v", cfg)
	}
}

func TestValidateReplayRetention(t *testing.T) {
	cases := []struct {
		tolerance int
		retention int
		ok        bool
	}{
		{300, 900, true},
		{300, 601, true},
		{300, 600, false},
		{300, 599, false},
		{0, 900, false},
		{-1, 900, false},
	}
	for _, tc := range cases {
		cfg := Default()
		cfg.Replay = ReplaySpec{ToleranceSec: tc.tolerance, RetentionSec: tc.retention}
		err := cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("tolerance=%d retention=%d: unexpected error %v", tc.tolerance, tc.retention, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("tolerance=%d retention=%d: expected validation error", tc.tolerance, tc.retention)
		}
	}
}

func TestValidateRejectsUnknownOverrideIdentity(t *testing.T) {
	cfg := Default()
	cfg.RateOverrides = map[string]Limit{"ghost": {Max: 1, WindowSec: 60}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown-identity error, got %v", err)
	}
}

func TestValidateRejectsBadContentRule(t *testing.T) {
	cfg := Default()
	cfg.ContentRules = append(cfg.ContentRules, content.RuleSpec{
		Pattern: "(unclosed",
		Context: content.ContextAlways,
		Reason:  "bad",
	})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected compile error for bad pattern")
	}
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := Default()
	cfg.LengthPolicy = "shrug"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected length policy error")
	}

	cfg = Default()
	cfg.Durability = "eventually"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected durability error")
	}

	cfg = Default()
	b := cfg.Breakers["send_message"]
	b.Fallback = "retry_forever"
	cfg.Breakers["send_message"] = b
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected fallback error")
	}

	cfg = Default()
	cfg.Limits["inbound_message"] = Limit{Max: -2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected limit error for max below the unbounded sentinel")
	}
}

func TestLimitForPrecedence(t *testing.T) {
	cfg := Default()
	cfg.Identities = map[string]Identity{"operator": {Group: "household"}}
	cfg.RateOverrides = map[string]Limit{"operator": {Max: 100, WindowSec: 60}}

	if l := cfg.LimitFor(models.KindInboundMessage, "operator"); l.Max != 100 {
		t.Fatalf("override should win: %+v", l)
	}
	if l := cfg.LimitFor(models.KindInboundMessage, "guest"); l.Max != 30 {
		t.Fatalf("kind default should apply: %+v", l)
	}
	if l := cfg.LimitFor(models.KindDeviceEvent, "guest"); l.Max != ratelimit.Unbounded {
		t.Fatalf("device events default to unbounded: %+v", l)
	}
}

func TestGroupFor(t *testing.T) {
	cfg := Default()
	cfg.Identities = map[string]Identity{"operator": {Group: "household"}, "bare": {}}
	if g := cfg.GroupFor("operator"); g != "household" {
		t.Fatalf("unexpected group: %q", g)
	}
	if g := cfg.GroupFor("bare"); g != "bare" {
		t.Fatalf("empty group should fall back to identity: %q", g)
	}
}

func TestFloodSettingsConversion(t *testing.T) {
	cfg := Default()
	s := cfg.FloodSettings()
	want := []time.Duration{0, 5 * time.Minute, 15 * time.Minute}
	if len(s.EscalationIntervals) != len(want) {
		t.Fatalf("unexpected intervals: %v", s.EscalationIntervals)
	}
	for i, d := range want {
		if s.EscalationIntervals[i] != d {
			t.Fatalf("interval %d: got %v want %v", i, s.EscalationIntervals[i], d)
		}
	}
}
