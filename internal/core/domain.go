package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	FingerprintPending FingerprintStatus = "pending"
	FingerprintSettled FingerprintStatus = "settled"

	// PeriodLayout is the calendar-month token format used as ledger key.
	PeriodLayout = "2006-01"
)

type (
	// Sender is a canonical international phone number: '+' followed by digits.
	Sender string

	// Period is a calendar-month token such as "2025-10".
	Period string

	// Fingerprint is the hex encoded SHA-256 digest of raw image bytes.
	Fingerprint string

	FingerprintStatus string

	FingerprintRecord struct {
		Hash         Fingerprint
		Owner        Sender
		SubmissionID string
		Status       FingerprintStatus
		Metadata     map[string]string
		ClaimedAt    time.Time
		RecordedAt   time.Time // zero while pending
	}
)

var (
	ErrAlreadyExists  = errors.New("fingerprint already exists")
	ErrClaimNotFound  = errors.New("fingerprint claim not found")
	ErrNoAmountFound  = errors.New("no amount found")
	ErrInvalidSender  = errors.New("invalid sender")
	ErrInvalidPeriod  = errors.New("invalid period")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidImage   = errors.New("invalid image reference")
	ErrStorage        = errors.New("storage failure")
	ErrUpstream       = errors.New("upstream unavailable")
	ErrNotFingerprint = errors.New("invalid fingerprint")
)

var (
	senderPattern      = regexp.MustCompile(`^\+[0-9]{7,15}$`)
	fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
	nonDigits          = regexp.MustCompile(`\D`)
)

// NormalizeSender converts a raw phone number into its canonical form.
// Ten digit numbers are assumed to be North American and get a +1 prefix.
func NormalizeSender(raw string) (Sender, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidSender
	}
	digits := nonDigits.ReplaceAllString(raw, "")
	var s Sender
	switch {
	case len(digits) == 10 && !strings.HasPrefix(raw, "+"):
		s = Sender("+1" + digits)
	default:
		s = Sender("+" + digits)
	}
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

func (s Sender) Validate() error {
	if !senderPattern.MatchString(string(s)) {
		return fmt.Errorf("%w: %q", ErrInvalidSender, string(s))
	}
	return nil
}

func (s Sender) String() string {
	return string(s)
}

// PeriodOf returns the calendar month containing t, in t's location.
func PeriodOf(t time.Time) Period {
	return Period(t.Format(PeriodLayout))
}

func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse(PeriodLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period(s), nil
}

func (p Period) Validate() error {
	_, err := ParsePeriod(string(p))
	return err
}

// Previous returns the month before p. An invalid period yields "".
func (p Period) Previous() Period {
	t, err := time.Parse(PeriodLayout, string(p))
	if err != nil {
		return ""
	}
	return PeriodOf(t.AddDate(0, -1, 0))
}

func (p Period) String() string {
	return string(p)
}

// FingerprintOf computes the content fingerprint over the exact bytes given.
func FingerprintOf(b []byte) Fingerprint {
	sum := sha256.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !fingerprintPattern.MatchString(s) {
		return "", ErrNotFingerprint
	}
	return Fingerprint(s), nil
}

// Short is a log-friendly prefix of the digest.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

func (f Fingerprint) String() string {
	return string(f)
}
