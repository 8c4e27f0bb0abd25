package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/core"
	"tally/internal/storage"
	"tally/internal/storage/memory"
)

func seededReports(t *testing.T) (*ReportService, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, row := range []struct {
		sender core.Sender
		period core.Period
		amount string
	}{
		{alice, "2025-09", "40.00"},
		{alice, "2025-10", "12.95"},
		{alice, "2025-10", "7.05"},
		{bob, "2025-10", "3.50"},
		{bob, "2025-08", "1.00"},
	} {
		_, err := store.Accumulate(ctx, row.sender, row.period, dec(row.amount))
		require.NoError(t, err)
	}
	r := NewReportService(store, time.UTC)
	r.now = func() time.Time { return october }
	return r, store
}

func TestReportTotals(t *testing.T) {
	r, _ := seededReports(t)
	ctx := context.Background()

	p, total, err := r.CurrentTotal(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, core.Period("2025-10"), p)
	assert.True(t, total.Equal(dec("20.00")), "total %s", total)

	p, total, err = r.PreviousTotal(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, core.Period("2025-09"), p)
	assert.True(t, total.Equal(dec("40.00")))

	_, total, err = r.PreviousTotal(ctx, bob)
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "missing month reads as zero")
}

func TestReportHistory(t *testing.T) {
	r, _ := seededReports(t)

	h, err := r.History(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, h.Months, 2)
	assert.Equal(t, core.Period("2025-10"), h.Months[0].Period)
	assert.True(t, h.GrandTotal.Equal(dec("60.00")))

	empty, err := r.History(context.Background(), "+15559999999")
	require.NoError(t, err)
	assert.Empty(t, empty.Months)
	assert.True(t, empty.GrandTotal.IsZero())
}

func TestReportStatus(t *testing.T) {
	r, _ := seededReports(t)

	st, err := r.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, core.Period("2025-10"), st.Period)
	require.Len(t, st.Entries, 2)
	assert.True(t, st.Total.Equal(dec("23.50")), "total %s", st.Total)

	st, err = r.Status(context.Background(), "2025-08")
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, bob, st.Entries[0].Sender)
}

type brokenLedger struct{ storage.Ledger }

func (brokenLedger) Total(context.Context, core.Sender, core.Period) (decimal.Decimal, error) {
	return decimal.Zero, storage.Wrap("total", errors.New("disk I/O error"))
}

func TestReportSurfacesStorageErrors(t *testing.T) {
	r := NewReportService(brokenLedger{memory.New()}, time.UTC)
	_, _, err := r.CurrentTotal(context.Background(), alice)
	assert.ErrorIs(t, err, core.ErrStorage)
}
