package content

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// LengthPolicy decides what happens to over-length input.
type LengthPolicy string

const (
	LengthTruncate LengthPolicy = "truncate"
	LengthReject   LengthPolicy = "reject"
)

var (
	ErrInvalidEncoding = errors.New("content: undecodable byte sequence")
	ErrTooLong         = errors.New("content: input exceeds maximum length")
)

// SanitizeInput prepares inbound text for pattern matching: control
// characters are stripped (newline and tab survive), length is enforced, and
// the result is NFKC-folded. Normalization happens before any pattern check
// so full-width and homoglyph variants cannot slip past the rules.
func SanitizeInput(text string, maxRunes int, policy LengthPolicy) (string, error) {
	if !utf8.ValidString(text) {
		return "", ErrInvalidEncoding
	}
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		if policy == LengthReject {
			return "", ErrTooLong
		}
		runes := []rune(text)
		text = string(runes[:maxRunes])
	}
	return norm.NFKC.String(text), nil
}
