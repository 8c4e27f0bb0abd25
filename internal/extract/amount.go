// Package extract pulls monetary amounts and auxiliary readings out of
// recognized receipt text.
//
// Selection policy: when several plausible amounts appear, the one with the
// earliest offset in the text wins. Callers that need another policy (sum,
// largest) must not reinterpret Extract; use Candidates instead.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tally/internal/core"
)

// DefaultMaxIntegerDigits bounds the integer part of an accepted amount so
// phone numbers and long identifiers are not read as money.
const DefaultMaxIntegerDigits = 7

// PolicyFirstMatch is the only selection policy Extract implements.
const PolicyFirstMatch = "first-match"

// amountPattern finds an optional currency marker, the integer part (either
// comma-grouped by thousands or a plain digit run) and an optional two digit
// fraction. Spaces and tabs between marker and digits are OCR noise.
var amountPattern = regexp.MustCompile(
	`(?i)(us\$|\$|usd|eur|€|£|gbp)?[ \t]*(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{2}))?`,
)

// energySuffix marks a number as a meter reading rather than money.
var energySuffix = regexp.MustCompile(`(?i)^[ \t]*kwh`)

// Candidate is a plausible amount found in the text.
type Candidate struct {
	Span      string
	Offset    int
	Value     decimal.Decimal
	HasMarker bool
}

type AmountExtractor struct {
	maxIntegerDigits int
}

func NewAmountExtractor(maxIntegerDigits int) *AmountExtractor {
	if maxIntegerDigits <= 0 {
		maxIntegerDigits = DefaultMaxIntegerDigits
	}
	return &AmountExtractor{maxIntegerDigits: maxIntegerDigits}
}

// Extract returns the first plausible amount in document order.
func (e *AmountExtractor) Extract(text string) (decimal.Decimal, error) {
	cands := e.Candidates(text)
	if len(cands) == 0 {
		return decimal.Zero, core.ErrNoAmountFound
	}
	return cands[0].Value, nil
}

// Candidates returns every plausible amount ordered by offset.
func (e *AmountExtractor) Candidates(text string) []Candidate {
	var out []Candidate
	for _, m := range amountPattern.FindAllStringSubmatchIndex(text, -1) {
		c, ok := e.candidate(text, m)
		if ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *AmountExtractor) candidate(text string, m []int) (Candidate, bool) {
	start, end := m[0], m[1]
	hasMarker := m[2] >= 0
	// "eur" in "Grandeur" or "usd" glued to a word is not a currency.
	if hasMarker && m[2] > 0 && isLetter(text[m[2]]) && isLetter(text[m[2]-1]) {
		hasMarker = false
	}
	if !hasMarker {
		start = m[4]
	}
	intPart := text[m[4]:m[5]]
	hasFrac := m[6] >= 0

	// A bare integer is never money: order numbers, quantities, years.
	if !hasMarker && !hasFrac {
		return Candidate{}, false
	}
	// "12.955", "12.9" or "12,95" are malformed; do not salvage a prefix.
	rest := text[end:]
	if len(rest) > 0 && isDigit(rest[0]) {
		return Candidate{}, false
	}
	if len(rest) > 1 && (rest[0] == '.' || rest[0] == ',') && isDigit(rest[1]) {
		return Candidate{}, false
	}
	// A digit glued in front means we matched the tail of a longer token.
	if !hasMarker && start > 0 && (isDigit(text[start-1]) || text[start-1] == '.' || text[start-1] == ',') {
		return Candidate{}, false
	}
	if energySuffix.MatchString(rest) {
		return Candidate{}, false
	}

	digits := strings.ReplaceAll(intPart, ",", "")
	if len(strings.TrimLeft(digits, "0")) > e.maxIntegerDigits {
		return Candidate{}, false
	}

	num := digits
	if hasFrac {
		num += "." + text[m[6]:m[7]]
	}
	value, err := core.ParseAmount(num)
	if err != nil {
		return Candidate{}, false
	}

	return Candidate{
		Span:      strings.TrimSpace(text[start:end]),
		Offset:    start,
		Value:     value,
		HasMarker: hasMarker,
	}, true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func (c Candidate) String() string {
	return fmt.Sprintf("%q@%d=%s", c.Span, c.Offset, c.Value)
}
