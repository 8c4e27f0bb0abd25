// Package storagetest is a behavioural test suite shared by every
// storage.Store backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/core"
	"tally/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

const (
	alice core.Sender = "+15550000001"
	bob   core.Sender = "+15550000002"
)

var base = time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)

func fp(s string) core.Fingerprint {
	return core.FingerprintOf([]byte(s))
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"InsertThenExists", testInsertThenExists},
		{"InsertIsGlobalAcrossOwners", testInsertGlobal},
		{"ConcurrentClaimsOneWinner", testConcurrentClaims},
		{"SettleAcceptedUpdatesLedger", testSettleAccepted},
		{"SettleRejectedLeavesLedger", testSettleRejected},
		{"SettleRequiresPendingClaim", testSettleRequiresClaim},
		{"ReleaseStaleClaims", testReleaseStale},
		{"ReleaseOwnPendingClaim", testRelease},
		{"AccumulateIsAdditive", testAccumulateAdditive},
		{"ConcurrentAccumulate", testConcurrentAccumulate},
		{"ConcurrentSettleSameKey", testConcurrentSettle},
		{"ReadOrderedBySender", testReadOrdered},
		{"HistoryNewestFirst", testHistory},
		{"TotalOfMissingEntryIsZero", testTotalMissing},
		{"AuditNewestFirst", testAudit},
		{"RejectsInvalidInput", testInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testInsertThenExists(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("receipt-1")

	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Insert(ctx, h, alice, map[string]string{storage.MetaAmount: "12.95"}))
	ok, err = s.Exists(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, alice, rec.Owner)
	assert.Equal(t, core.FingerprintSettled, rec.Status)
	assert.Equal(t, "12.95", rec.Metadata[storage.MetaAmount])

	_, err = s.Get(ctx, fp("missing"))
	assert.ErrorIs(t, err, core.ErrClaimNotFound)
}

func testInsertGlobal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("shared")
	require.NoError(t, s.Insert(ctx, h, alice, nil))
	assert.ErrorIs(t, s.Insert(ctx, h, alice, nil), core.ErrAlreadyExists)
	assert.ErrorIs(t, s.Insert(ctx, h, bob, nil), core.ErrAlreadyExists)
	assert.ErrorIs(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: bob, ClaimedAt: base}), core.ErrAlreadyExists)
}

func testConcurrentClaims(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("race")
	const n = 16

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Claim(ctx, storage.Claim{
				Hash:         h,
				Owner:        alice,
				SubmissionID: fmt.Sprintf("sub-%d", i),
				ClaimedAt:    base,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadyExists):
				dups.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n-1, dups.Load())

	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok, "pending claims count as seen")
}

func testSettleAccepted(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("accepted")
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: alice, SubmissionID: "s1", ClaimedAt: base}))

	total, err := s.Settle(ctx, h, storage.Settlement{
		Owner:     alice,
		Period:    "2025-10",
		Amount:    amount("12.95"),
		Accepted:  true,
		Metadata:  map[string]string{storage.MetaAmount: "12.95", storage.MetaEnergyKWh: "34.9"},
		SettledAt: base,
	})
	require.NoError(t, err)
	assert.True(t, total.Equal(amount("12.95")), "total %s", total)

	rec, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, core.FingerprintSettled, rec.Status)
	assert.Equal(t, "34.9", rec.Metadata[storage.MetaEnergyKWh])

	got, err := s.Total(ctx, alice, "2025-10")
	require.NoError(t, err)
	assert.True(t, got.Equal(amount("12.95")))

	// A settled claim cannot be settled twice.
	_, err = s.Settle(ctx, h, storage.Settlement{Owner: alice, Period: "2025-10", Amount: amount("1.00"), Accepted: true, SettledAt: base})
	assert.ErrorIs(t, err, core.ErrClaimNotFound)
}

func testSettleRejected(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("blurry")
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: alice, ClaimedAt: base}))
	_, err := s.Settle(ctx, h, storage.Settlement{Owner: alice, Accepted: false, SettledAt: base})
	require.NoError(t, err)

	entries, err := s.Read(ctx, "2025-10")
	require.NoError(t, err)
	assert.Empty(t, entries)

	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	assert.True(t, ok, "an image without an amount is still seen")

	n, err := s.ReleaseStaleClaims(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "settled records are never released")
}

func testSettleRequiresClaim(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Settle(ctx, fp("never-claimed"), storage.Settlement{Owner: alice, Period: "2025-10", Amount: amount("1.00"), Accepted: true, SettledAt: base})
	assert.ErrorIs(t, err, core.ErrClaimNotFound)

	h := fp("other-owner")
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: alice, ClaimedAt: base}))
	_, err = s.Settle(ctx, h, storage.Settlement{Owner: bob, Period: "2025-10", Amount: amount("1.00"), Accepted: true, SettledAt: base})
	assert.ErrorIs(t, err, core.ErrClaimNotFound)

	total, err := s.Total(ctx, bob, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func testReleaseStale(t *testing.T, s storage.Store) {
	ctx := context.Background()
	old, fresh := fp("old"), fp("fresh")
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: old, Owner: alice, ClaimedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: fresh, Owner: alice, ClaimedAt: base}))

	n, err := s.ReleaseStaleClaims(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.Exists(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	// Released bytes can be submitted again.
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: old, Owner: alice, ClaimedAt: base}))
}

func testRelease(t *testing.T, s storage.Store) {
	ctx := context.Background()
	h := fp("retry-me")
	require.NoError(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: alice, ClaimedAt: base}))

	assert.ErrorIs(t, s.Release(ctx, h, bob), core.ErrClaimNotFound)
	require.NoError(t, s.Release(ctx, h, alice))
	ok, err := s.Exists(ctx, h)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Release(ctx, h, alice), core.ErrClaimNotFound)

	settled := fp("settled")
	require.NoError(t, s.Insert(ctx, settled, alice, nil))
	assert.ErrorIs(t, s.Release(ctx, settled, alice), core.ErrClaimNotFound)
}

func testAccumulateAdditive(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var last decimal.Decimal
	for _, a := range []string{"0.10", "0.20", "12.95", "1000.05"} {
		var err error
		last, err = s.Accumulate(ctx, alice, "2025-10", amount(a))
		require.NoError(t, err)
	}
	assert.True(t, last.Equal(amount("1013.30")), "total %s", last)

	other, err := s.Total(ctx, alice, "2025-09")
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func testConcurrentAccumulate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			if _, err := s.Accumulate(ctx, sender, "2025-10", amount("0.10")); err != nil {
				t.Errorf("accumulate: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, sender := range []core.Sender{alice, bob} {
		total, err := s.Total(ctx, sender, "2025-10")
		require.NoError(t, err)
		assert.True(t, total.Equal(amount("2.00")), "%s total %s", sender, total)
	}
}

func testConcurrentSettle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		h := fp(fmt.Sprintf("img-%d", i))
		require.NoError(t, s.Claim(ctx, storage.Claim{Hash: h, Owner: alice, ClaimedAt: base}))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Settle(ctx, h, storage.Settlement{
				Owner: alice, Period: "2025-10", Amount: amount("1.25"), Accepted: true, SettledAt: base,
			})
			if err != nil {
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	total, err := s.Total(ctx, alice, "2025-10")
	require.NoError(t, err)
	assert.True(t, total.Equal(amount("25.00")), "total %s", total)
}

func testReadOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Accumulate(ctx, bob, "2025-10", amount("2.00"))
	require.NoError(t, err)
	_, err = s.Accumulate(ctx, alice, "2025-10", amount("1.00"))
	require.NoError(t, err)
	_, err = s.Accumulate(ctx, alice, "2025-11", amount("9.00"))
	require.NoError(t, err)

	entries, err := s.Read(ctx, "2025-10")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, alice, entries[0].Sender)
	assert.Equal(t, bob, entries[1].Sender)
	assert.True(t, entries[1].Total.Equal(amount("2.00")))
	assert.Equal(t, core.Period("2025-10"), entries[0].Period)
}

func testHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, p := range []core.Period{"2025-08", "2025-10", "2024-12"} {
		_, err := s.Accumulate(ctx, alice, p, amount("3.00"))
		require.NoError(t, err)
	}
	_, err := s.Accumulate(ctx, bob, "2025-09", amount("1.00"))
	require.NoError(t, err)

	months, err := s.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, months, 3)
	assert.Equal(t, core.Period("2025-10"), months[0].Period)
	assert.Equal(t, core.Period("2024-12"), months[2].Period)

	h := core.NewHistory(alice, months)
	assert.True(t, h.GrandTotal.Equal(amount("9.00")))

	none, err := s.History(ctx, "+15559999999")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTotalMissing(t *testing.T, s storage.Store) {
	total, err := s.Total(context.Background(), alice, "1999-01")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func testAudit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, action := range []core.AuditAction{core.AuditUnauthorized, core.AuditDuplicate, core.AuditDuplicate} {
		require.NoError(t, s.RecordAudit(ctx, core.AuditEvent{
			ID:           fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i),
			SubmissionID: fmt.Sprintf("sub-%d", i),
			Sender:       alice,
			Action:       action,
			Reason:       string(action),
			Fingerprint:  fp("audit"),
			OccurredAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.RecordAudit(ctx, core.AuditEvent{
		ID: "00000000-0000-0000-0000-000000000009", Sender: bob, Action: core.AuditUnauthorized, OccurredAt: base,
	}))

	events, err := s.ListAudit(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "sub-2", events[0].SubmissionID)
	assert.Equal(t, core.AuditDuplicate, events[1].Action)

	all, err := s.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testInvalidInput(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Accumulate(ctx, alice, "2025-10", amount("-1.00"))
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
	_, err = s.Accumulate(ctx, alice, "2025-10", amount("0.001"))
	assert.ErrorIs(t, err, core.ErrInvalidAmount)
	_, err = s.Accumulate(ctx, alice, "October", amount("1.00"))
	assert.ErrorIs(t, err, core.ErrInvalidPeriod)
	_, err = s.Accumulate(ctx, "alice", "2025-10", amount("1.00"))
	assert.ErrorIs(t, err, core.ErrInvalidSender)
	assert.ErrorIs(t, s.Claim(ctx, storage.Claim{Hash: fp("x"), Owner: "nobody", ClaimedAt: base}), core.ErrInvalidSender)
}
