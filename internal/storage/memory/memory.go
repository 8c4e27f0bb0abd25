// Package memory is an in-process storage.Store for tests and local runs.
// Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/storage"
)

type ledgerKey struct {
	sender core.Sender
	period core.Period
}

type ledgerEntry struct {
	mu    sync.Mutex
	total decimal.Decimal
}

type Store struct {
	now func() time.Time

	fpMu         sync.Mutex
	fingerprints map[core.Fingerprint]core.FingerprintRecord

	// entries only grows; each entry serializes its own writers.
	entriesMu sync.RWMutex
	entries   map[ledgerKey]*ledgerEntry

	auditMu sync.Mutex
	audit   []core.AuditEvent
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:          time.Now,
		fingerprints: make(map[core.Fingerprint]core.FingerprintRecord),
		entries:      make(map[ledgerKey]*ledgerEntry),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) Exists(_ context.Context, hash core.Fingerprint) (bool, error) {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	_, ok := s.fingerprints[hash]
	return ok, nil
}

func (s *Store) Get(_ context.Context, hash core.Fingerprint) (core.FingerprintRecord, error) {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	rec, ok := s.fingerprints[hash]
	if !ok {
		return core.FingerprintRecord{}, core.ErrClaimNotFound
	}
	rec.Metadata = storage.CopyMetadata(rec.Metadata)
	return rec, nil
}

func (s *Store) Insert(_ context.Context, hash core.Fingerprint, owner core.Sender, metadata map[string]string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	if _, ok := s.fingerprints[hash]; ok {
		return core.ErrAlreadyExists
	}
	now := s.now().UTC()
	s.fingerprints[hash] = core.FingerprintRecord{
		Hash:       hash,
		Owner:      owner,
		Status:     core.FingerprintSettled,
		Metadata:   storage.CopyMetadata(metadata),
		ClaimedAt:  now,
		RecordedAt: now,
	}
	return nil
}

func (s *Store) Claim(_ context.Context, c storage.Claim) error {
	if err := c.Owner.Validate(); err != nil {
		return err
	}
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	if _, ok := s.fingerprints[c.Hash]; ok {
		return core.ErrAlreadyExists
	}
	s.fingerprints[c.Hash] = core.FingerprintRecord{
		Hash:         c.Hash,
		Owner:        c.Owner,
		SubmissionID: c.SubmissionID,
		Status:       core.FingerprintPending,
		ClaimedAt:    c.ClaimedAt.UTC(),
	}
	return nil
}

// Settle holds the ledger entry lock while the fingerprint is marked, so a
// reader never sees the record settled without its amount in the total.
func (s *Store) Settle(_ context.Context, hash core.Fingerprint, st storage.Settlement) (decimal.Decimal, error) {
	if err := storage.ValidateSettlement(st); err != nil {
		return decimal.Zero, err
	}

	var entry *ledgerEntry
	if st.Accepted {
		entry = s.entry(ledgerKey{st.Owner, st.Period})
		entry.mu.Lock()
		defer entry.mu.Unlock()
	}

	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	rec, ok := s.fingerprints[hash]
	if !ok || rec.Status != core.FingerprintPending || rec.Owner != st.Owner {
		return decimal.Zero, core.ErrClaimNotFound
	}
	rec.Status = core.FingerprintSettled
	rec.Metadata = storage.CopyMetadata(st.Metadata)
	rec.RecordedAt = st.SettledAt.UTC()
	s.fingerprints[hash] = rec

	if entry == nil {
		return decimal.Zero, nil
	}
	entry.total = entry.total.Add(st.Amount)
	return entry.total, nil
}

func (s *Store) Release(_ context.Context, hash core.Fingerprint, owner core.Sender) error {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	rec, ok := s.fingerprints[hash]
	if !ok || rec.Status != core.FingerprintPending || rec.Owner != owner {
		return core.ErrClaimNotFound
	}
	delete(s.fingerprints, hash)
	return nil
}

func (s *Store) ReleaseStaleClaims(_ context.Context, cutoff time.Time) (int, error) {
	s.fpMu.Lock()
	defer s.fpMu.Unlock()
	released := 0
	for hash, rec := range s.fingerprints {
		if rec.Status == core.FingerprintPending && rec.ClaimedAt.Before(cutoff) {
			delete(s.fingerprints, hash)
			released++
		}
	}
	return released, nil
}

func (s *Store) entry(k ledgerKey) *ledgerEntry {
	s.entriesMu.RLock()
	e, ok := s.entries[k]
	s.entriesMu.RUnlock()
	if ok {
		return e
	}

	s.entriesMu.Lock()
	defer s.entriesMu.Unlock()
	if e, ok := s.entries[k]; ok {
		return e
	}
	e = &ledgerEntry{total: decimal.Zero}
	s.entries[k] = e
	return e
}

func (s *Store) Accumulate(_ context.Context, sender core.Sender, period core.Period, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := sender.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := period.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := core.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	e := s.entry(ledgerKey{sender, period})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = e.total.Add(amount)
	return e.total, nil
}

func (s *Store) Read(_ context.Context, period core.Period) ([]core.LedgerEntry, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	s.entriesMu.RLock()
	keys := make([]ledgerKey, 0)
	for k := range s.entries {
		if k.period == period {
			keys = append(keys, k)
		}
	}
	s.entriesMu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].sender < keys[j].sender })
	out := make([]core.LedgerEntry, 0, len(keys))
	for _, k := range keys {
		if total, ok := s.read(k); ok {
			out = append(out, core.LedgerEntry{Sender: k.sender, Period: k.period, Total: total})
		}
	}
	return out, nil
}

// read skips entries created by a Settle that has not added anything yet.
func (s *Store) read(k ledgerKey) (decimal.Decimal, bool) {
	s.entriesMu.RLock()
	e, ok := s.entries[k]
	s.entriesMu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total, e.total.IsPositive()
}

func (s *Store) Total(_ context.Context, sender core.Sender, period core.Period) (decimal.Decimal, error) {
	total, _ := s.read(ledgerKey{sender, period})
	return total, nil
}

func (s *Store) History(_ context.Context, sender core.Sender) ([]core.MonthTotal, error) {
	s.entriesMu.RLock()
	var keys []ledgerKey
	for k := range s.entries {
		if k.sender == sender {
			keys = append(keys, k)
		}
	}
	s.entriesMu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].period > keys[j].period })
	out := make([]core.MonthTotal, 0, len(keys))
	for _, k := range keys {
		if total, ok := s.read(k); ok {
			out = append(out, core.MonthTotal{Period: k.period, Total: total})
		}
	}
	return out, nil
}

func (s *Store) RecordAudit(_ context.Context, ev core.AuditEvent) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.audit = append(s.audit, ev)
	return nil
}

// ListAudit returns the sender's most recent events first. An empty sender
// lists everyone.
func (s *Store) ListAudit(_ context.Context, sender core.Sender, limit int) ([]core.AuditEvent, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	var out []core.AuditEvent
	for i := len(s.audit) - 1; i >= 0; i-- {
		if sender != "" && s.audit[i].Sender != sender {
			continue
		}
		out = append(out, s.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
