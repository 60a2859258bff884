package content

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rule contexts. A proactive-only rule fires only on messages the system
// initiates itself; always-rules fire on everything.
const (
	ContextAlways        = "always"
	ContextProactiveOnly = "proactive_only"
)

type RuleSpec struct {
	Pattern string `json:"pattern"`
	Context string `json:"context"`
	Reason  string `json:"reason"`
}

type Rule struct {
	pattern *regexp.Regexp
	context string
	reason  string
}

type RuleSet []Rule

// Compile validates and compiles an ordered rule table. Any bad entry fails
// the whole table; rule tables are swapped atomically on reload.
func Compile(specs []RuleSpec) (RuleSet, error) {
	out := make(RuleSet, 0, len(specs))
	for i, spec := range specs {
		ctx := strings.TrimSpace(spec.Context)
		if ctx == "" {
			ctx = ContextAlways
		}
		if ctx != ContextAlways && ctx != ContextProactiveOnly {
			return nil, fmt.Errorf("rule %d: unknown context %q", i, spec.Context)
		}
		if strings.TrimSpace(spec.Reason) == "" {
			return nil, fmt.Errorf("rule %d: reason required", i)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, Rule{pattern: re, context: ctx, reason: spec.Reason})
	}
	return out, nil
}

// Evaluate applies the ordered rule list to outbound text. The first matching
// rule whose context applies denies with its reason; no match allows. Text is
// NFKC-folded before matching, same as the input path.
func (rs RuleSet) Evaluate(text string, proactive bool) (string, bool) {
	folded := norm.NFKC.String(text)
	for _, rule := range rs {
		if rule.context == ContextProactiveOnly && !proactive {
			continue
		}
		if rule.pattern.MatchString(folded) {
			return rule.reason, true
		}
	}
	return "", false
}
