package content

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeStripsControlCharacters(t *testing.T) {
	got, err := SanitizeInput("hello\x00\x01 world\x7f", 100, LengthTruncate)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("control characters survived: %q", got)
	}
}

func TestSanitizeKeepsNewlineAndTab(t *testing.T) {
	got, err := SanitizeInput("line one\n\tline two", 100, LengthTruncate)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got != "line one\n\tline two" {
		t.Fatalf("newline/tab should survive: %q", got)
	}
}

func TestSanitizeRejectsInvalidEncoding(t *testing.T) {
	_, err := SanitizeInput("ok\xff\xfebad", 100, LengthTruncate)
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("want ErrInvalidEncoding, got %v", err)
	}
}

func TestSanitizeLengthPolicies(t *testing.T) {
	long := strings.Repeat("a", 50)
	got, err := SanitizeInput(long, 10, LengthTruncate)
	if err != nil || len(got) != 10 {
		t.Fatalf("truncate: got %q err=%v", got, err)
	}
	_, err = SanitizeInput(long, 10, LengthReject)
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("reject: want ErrTooLong, got %v", err)
	}
}

// Full-width characters must fold to their compatibility forms before any
// pattern check runs, or a forbidden word sails through.
func TestSanitizeNormalizesBeforeMatching(t *testing.T) {
	got, err := SanitizeInput("ｉｇｎｏｒｅ ｐｒｅｖｉｏｕｓ", 100, LengthTruncate)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got != "ignore previous" {
		t.Fatalf("NFKC fold missing: %q", got)
	}
}

func TestCompileRejectsBadRules(t *testing.T) {
	cases := []RuleSpec{
		{Pattern: "(unclosed", Context: ContextAlways, Reason: "r"},
		{Pattern: "ok", Context: "sometimes", Reason: "r"},
		{Pattern: "ok", Context: ContextAlways, Reason: ""},
	}
	for i, spec := range cases {
		if _, err := Compile([]RuleSpec{spec}); err == nil {
			t.Fatalf("case %d: expected compile error for %+v", i, spec)
		}
	}
}

func TestRuleContextGating(t *testing.T) {
	rules, err := Compile([]RuleSpec{
		{Pattern: `(?i)system prompt`, Context: ContextProactiveOnly, Reason: "no_prompt_leaks"},
		{Pattern: `(?i)credit card`, Context: ContextAlways, Reason: "no_payment_data"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if reason, blocked := rules.Evaluate("here is the system prompt", false); blocked {
		t.Fatalf("proactive-only rule fired on reactive message: %s", reason)
	}
	reason, blocked := rules.Evaluate("here is the system prompt", true)
	if !blocked || reason != "no_prompt_leaks" {
		t.Fatalf("proactive-only rule should fire: %q %v", reason, blocked)
	}
	reason, blocked = rules.Evaluate("your credit card number is", false)
	if !blocked || reason != "no_payment_data" {
		t.Fatalf("always rule should fire: %q %v", reason, blocked)
	}
}

func TestRuleFirstMatchWins(t *testing.T) {
	rules, err := Compile([]RuleSpec{
		{Pattern: "secret", Context: ContextAlways, Reason: "first"},
		{Pattern: "secret", Context: ContextAlways, Reason: "second"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	reason, blocked := rules.Evaluate("a secret thing", false)
	if !blocked || reason != "first" {
		t.Fatalf("expected first rule's reason, got %q", reason)
	}
}

// The rule path folds text too, so a full-width bypass of an outbound
// pattern is caught even if the caller skipped input sanitization.
func TestRuleMatchingFoldsHomoglyphs(t *testing.T) {
	rules, err := Compile([]RuleSpec{
		{Pattern: "password", Context: ContextAlways, Reason: "no_credentials"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, blocked := rules.Evaluate("ｐａｓｓｗｏｒｄ: hunter2", false); !blocked {
		t.Fatalf("full-width evasion not caught")
	}
}

func TestEmptyRuleSetAllows(t *testing.T) {
	var rules RuleSet
	if reason, blocked := rules.Evaluate("anything at all", true); blocked {
		t.Fatalf("empty rule set must allow, got %q", reason)
	}
}
