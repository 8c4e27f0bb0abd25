// Package sheets mirrors accepted receipts into a spreadsheet for people who
// read the ledger outside the service.
package sheets

import (
	"context"
	"time"
)

// Receipt is one spreadsheet row.
type Receipt struct {
	SubmissionID string
	Sender       string
	Period       string
	Amount       string
	NewTotal     string
	EnergyKWh    string
	Fingerprint  string
	AcceptedAt   time.Time
}

// ReceiptWriter appends rows. rowRef identifies where the row landed.
type ReceiptWriter interface {
	AppendReceipt(ctx context.Context, r Receipt) (rowRef string, err error)
}
