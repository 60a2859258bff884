package floodguard

import "strings"

// ClassRule maps a device-identifier substring to a class. Substring
// classification is what the deployed fleet uses today; it is brittle against
// adversarial naming, so the table is config-driven and can be replaced by a
// registry-backed mapping through reload without touching this package.
type ClassRule struct {
	Substring string `json:"substring"`
	Class     string `json:"class"`
	Critical  bool   `json:"critical"`
}

type Classifier struct {
	rules []ClassRule
}

func NewClassifier(rules []ClassRule) *Classifier {
	kept := make([]ClassRule, 0, len(rules))
	for _, r := range rules {
		r.Substring = strings.ToLower(strings.TrimSpace(r.Substring))
		if r.Substring == "" || strings.TrimSpace(r.Class) == "" {
			continue
		}
		kept = append(kept, r)
	}
	return &Classifier{rules: kept}
}

// Classify returns the inferred class and whether it belongs to the critical
// set. First matching substring wins; unmatched devices are non-critical.
func (c *Classifier) Classify(deviceID string) (string, bool) {
	id := strings.ToLower(deviceID)
	for _, r := range c.rules {
		if strings.Contains(id, r.Substring) {
			return r.Class, r.Critical
		}
	}
	return "other", false
}

// DefaultClassRules covers the common safety-sensor vocabulary.
func DefaultClassRules() []ClassRule {
	return []ClassRule{
		{Substring: "smoke", Class: "smoke", Critical: true},
		{Substring: "co_", Class: "carbon_monoxide", Critical: true},
		{Substring: "carbon", Class: "carbon_monoxide", Critical: true},
		{Substring: "leak", Class: "water_leak", Critical: true},
		{Substring: "water", Class: "water_leak", Critical: true},
		{Substring: "door", Class: "entry", Critical: false},
		{Substring: "window", Class: "entry", Critical: false},
		{Substring: "motion", Class: "motion", Critical: false},
		{Substring: "temp", Class: "climate", Critical: false},
		{Substring: "humidity", Class: "climate", Critical: false},
	}
}
