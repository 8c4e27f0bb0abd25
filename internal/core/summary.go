package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is the running total of one sender for one month.
type LedgerEntry struct {
	Sender Sender
	Period Period
	Total  decimal.Decimal
}

// MonthTotal is a single row of a sender's history.
type MonthTotal struct {
	Period Period
	Total  decimal.Decimal
}

// History is every month a sender has accumulated, newest first.
type History struct {
	Sender     Sender
	Months     []MonthTotal
	GrandTotal decimal.Decimal
}

// NewHistory sums months into a History. Months must already be ordered.
func NewHistory(sender Sender, months []MonthTotal) History {
	grand := decimal.Zero
	for _, m := range months {
		grand = grand.Add(m.Total)
	}
	return History{Sender: sender, Months: months, GrandTotal: grand}
}

// AuditAction names why a submission was stopped before reaching the ledger.
type AuditAction string

const (
	AuditUnauthorized AuditAction = "unauthorized"
	AuditDuplicate    AuditAction = "duplicate"
)

// AuditEvent is an append-only record of a rejected attempt.
type AuditEvent struct {
	ID           string
	SubmissionID string
	Sender       Sender
	Action       AuditAction
	Reason       string
	Fingerprint  Fingerprint
	OccurredAt   time.Time
}
