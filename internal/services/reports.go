package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/storage"
)

// PeriodStatus is the ledger snapshot of one month across all senders.
type PeriodStatus struct {
	Period  core.Period
	Entries []core.LedgerEntry
	Total   decimal.Decimal
}

// ReportService answers read-only questions about the ledger.
type ReportService struct {
	ledger storage.Ledger
	now    func() time.Time
	loc    *time.Location
}

func NewReportService(ledger storage.Ledger, loc *time.Location) *ReportService {
	if loc == nil {
		loc = time.Local
	}
	return &ReportService{ledger: ledger, now: time.Now, loc: loc}
}

// WithClock replaces the clock used to pick the current month.
func (r *ReportService) WithClock(now func() time.Time) *ReportService {
	r.now = now
	return r
}

func (r *ReportService) currentPeriod() core.Period {
	return core.PeriodOf(r.now().In(r.loc))
}

// CurrentTotal is the sender's total for this month.
func (r *ReportService) CurrentTotal(ctx context.Context, sender core.Sender) (core.Period, decimal.Decimal, error) {
	p := r.currentPeriod()
	total, err := r.ledger.Total(ctx, sender, p)
	if err != nil {
		return p, decimal.Zero, fmt.Errorf("read current total: %w", err)
	}
	return p, total, nil
}

// PreviousTotal is the sender's total for last month.
func (r *ReportService) PreviousTotal(ctx context.Context, sender core.Sender) (core.Period, decimal.Decimal, error) {
	p := r.currentPeriod().Previous()
	total, err := r.ledger.Total(ctx, sender, p)
	if err != nil {
		return p, decimal.Zero, fmt.Errorf("read previous total: %w", err)
	}
	return p, total, nil
}

func (r *ReportService) History(ctx context.Context, sender core.Sender) (core.History, error) {
	months, err := r.ledger.History(ctx, sender)
	if err != nil {
		return core.History{}, fmt.Errorf("read history: %w", err)
	}
	return core.NewHistory(sender, months), nil
}

// Status reads every sender's total for period. An empty period means the
// current month.
func (r *ReportService) Status(ctx context.Context, period core.Period) (PeriodStatus, error) {
	if period == "" {
		period = r.currentPeriod()
	}
	entries, err := r.ledger.Read(ctx, period)
	if err != nil {
		return PeriodStatus{Period: period}, fmt.Errorf("read ledger: %w", err)
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Total)
	}
	return PeriodStatus{Period: period, Entries: entries, Total: total}, nil
}
