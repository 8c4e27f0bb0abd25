// Package storage defines the persistence ports of the ingestion pipeline:
// the fingerprint store, the monthly ledger and the audit log. Backends live
// in the memory, sqlite and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
)

// Metadata keys recorded with a settled fingerprint.
const (
	MetaAmount    = "amount"
	MetaPeriod    = "period"
	MetaOutcome   = "outcome"
	MetaEnergyKWh = "kwh"
	MetaOCRTime   = "ocr_time"
)

// Claim reserves a fingerprint for one in-flight submission.
type Claim struct {
	Hash         core.Fingerprint
	Owner        core.Sender
	SubmissionID string
	ClaimedAt    time.Time
}

// Settlement finishes a claim. When Accepted is true the amount is added to
// the ledger entry for (Owner, Period) in the same transaction that marks the
// fingerprint settled.
type Settlement struct {
	Owner     core.Sender
	Period    core.Period
	Amount    decimal.Decimal
	Accepted  bool
	Metadata  map[string]string
	SettledAt time.Time
}

type (
	// FingerprintStore remembers every image that has been seen.
	FingerprintStore interface {
		Exists(ctx context.Context, hash core.Fingerprint) (bool, error)
		// Insert records hash in one step, failing with core.ErrAlreadyExists
		// when any record with that hash is present.
		Insert(ctx context.Context, hash core.Fingerprint, owner core.Sender, metadata map[string]string) error
		Get(ctx context.Context, hash core.Fingerprint) (core.FingerprintRecord, error)
	}

	// Claims is the two-phase form of Insert used by the pipeline.
	Claims interface {
		Claim(ctx context.Context, c Claim) error
		Settle(ctx context.Context, hash core.Fingerprint, s Settlement) (decimal.Decimal, error)
		// Release deletes owner's pending claim on hash. Settled records and
		// claims held by someone else are left alone.
		Release(ctx context.Context, hash core.Fingerprint, owner core.Sender) error
		// ReleaseStaleClaims deletes pending claims claimed before cutoff.
		ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error)
	}

	// Ledger keeps one running total per (sender, period).
	Ledger interface {
		Accumulate(ctx context.Context, sender core.Sender, period core.Period, amount decimal.Decimal) (decimal.Decimal, error)
		// Read returns every entry for period ordered by sender.
		Read(ctx context.Context, period core.Period) ([]core.LedgerEntry, error)
		// Total is zero when the sender has no entry for period.
		Total(ctx context.Context, sender core.Sender, period core.Period) (decimal.Decimal, error)
		// History lists the sender's months, newest first.
		History(ctx context.Context, sender core.Sender) ([]core.MonthTotal, error)
	}

	AuditLog interface {
		RecordAudit(ctx context.Context, ev core.AuditEvent) error
		ListAudit(ctx context.Context, sender core.Sender, limit int) ([]core.AuditEvent, error)
	}

	// Store is everything a backend provides.
	Store interface {
		FingerprintStore
		Claims
		Ledger
		AuditLog
		Ping(ctx context.Context) error
		Close() error
	}
)

// Wrap tags err as a storage failure so callers can tell it apart from
// business rejections. Errors already classified are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrAlreadyExists) || errors.Is(err, core.ErrClaimNotFound) || errors.Is(err, core.ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorage, err)
}

// ValidateSettlement checks a settlement before any backend touches its data.
func ValidateSettlement(s Settlement) error {
	if err := s.Owner.Validate(); err != nil {
		return err
	}
	if !s.Accepted {
		return nil
	}
	if err := s.Period.Validate(); err != nil {
		return err
	}
	return core.ValidateAmount(s.Amount)
}

// CopyMetadata returns a copy so callers cannot mutate stored maps.
func CopyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
