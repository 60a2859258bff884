package models

import (
	"time"
)

// RequestKind tags a request with the pipeline that applies to it.
type RequestKind string

const (
	KindInboundMessage  RequestKind = "inbound_message"
	KindDeviceEvent     RequestKind = "device_event"
	KindOutboundMessage RequestKind = "outbound_message"
	KindSystemAction    RequestKind = "system_action"
	KindAgentAction     RequestKind = "agent_action"
)

// OriginTag classifies why an action was requested. Event-triggered safety
// actions select the unbounded rate-limit bucket instead of the one that
// applies to agent decisions.
type OriginTag string

const (
	OriginAgentDecision  OriginTag = "agent_decision"
	OriginEventTriggered OriginTag = "event_triggered"
)

// Request is the single input type for the decision core.
type Request struct {
	Kind        RequestKind  `json:"kind"`
	Identity    string       `json:"identity"`
	Channel     string       `json:"channel"`
	Nonce       string       `json:"nonce,omitempty"`
	Timestamp   time.Time    `json:"timestamp,omitempty"`
	Text        string       `json:"text,omitempty"`
	Proactive   bool         `json:"proactive,omitempty"`
	ActionClass string       `json:"action_class,omitempty"`
	Origin      OriginTag    `json:"origin,omitempty"`
	Device      *DeviceEvent `json:"device,omitempty"`
}

// DeviceEvent is a state report from a sensor or actuator.
type DeviceEvent struct {
	DeviceID string    `json:"device_id"`
	NewState string    `json:"new_state"`
	At       time.Time `json:"at"`
}

const (
	VerdictAllow  = "ALLOW"
	VerdictDeny   = "DENY"
	VerdictDemote = "DEMOTE"
)

const (
	RouteCritical    = "critical"
	RouteLowPriority = "low_priority"
)

const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Stable reason codes. Denials carry one of these; beyond the retry-after on
// a rate-limit denial they never leak internal thresholds or counts.
const (
	ReasonOK              = "OK"
	ReasonUnknownIdentity = "UNKNOWN_IDENTITY"
	ReasonMissingNonce    = "MISSING_NONCE"
	ReasonStaleTimestamp  = "STALE_TIMESTAMP"
	ReasonReplayDetected  = "REPLAY_DETECTED"
	ReasonRateLimited     = "RATE_LIMITED"
	ReasonCircuitOpen     = "CIRCUIT_OPEN"
	ReasonInvalidEncoding = "INVALID_ENCODING"
	ReasonOversized       = "OVERSIZED_INPUT"
	ReasonContentBlocked  = "CONTENT_BLOCKED"
	ReasonUnmatchedKind   = "UNMATCHED_KIND"
	ReasonMissingClass    = "MISSING_ACTION_CLASS"
	ReasonInternalError   = "INTERNAL_ERROR"
	ReasonConfigError     = "CONFIG_ERROR"
)

// Decision is the ephemeral output of one evaluation.
type Decision struct {
	ID         string        `json:"id"`
	Verdict    string        `json:"verdict"`
	Allowed    bool          `json:"allowed"`
	Demoted    bool          `json:"demoted,omitempty"`
	Route      string        `json:"route,omitempty"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	LogLevel   string        `json:"log_level"`
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ScopeKey builds the composite rate-limit bucket identifier:
// direction, channel kind and identity (or group), in that order.
func ScopeKey(direction, channel, identity string) string {
	return direction + "|" + channel + "|" + identity
}
