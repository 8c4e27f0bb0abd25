package core

import "github.com/shopspring/decimal"

// OutcomeKind is the terminal state of a submission.
type OutcomeKind string

const (
	OutcomeAccepted             OutcomeKind = "accepted"
	OutcomeRejectedDuplicate    OutcomeKind = "rejected_duplicate"
	OutcomeRejectedNoAmount     OutcomeKind = "rejected_no_amount"
	OutcomeRejectedUnauthorized OutcomeKind = "rejected_unauthorized"
	OutcomeUpstreamUnavailable  OutcomeKind = "upstream_unavailable"
)

// Outcome is returned to the transport layer for reply formatting.
// Amount and NewTotal are only meaningful when Kind is OutcomeAccepted;
// Detail only when Kind is OutcomeUpstreamUnavailable.
type Outcome struct {
	Kind         OutcomeKind
	SubmissionID string
	Sender       Sender
	Period       Period
	Fingerprint  Fingerprint
	Amount       decimal.Decimal
	NewTotal     decimal.Decimal
	Detail       string
}

func (o Outcome) Accepted() bool {
	return o.Kind == OutcomeAccepted
}

// Rejected reports whether the outcome is an expected business rejection.
func (o Outcome) Rejected() bool {
	switch o.Kind {
	case OutcomeRejectedDuplicate, OutcomeRejectedNoAmount, OutcomeRejectedUnauthorized:
		return true
	}
	return false
}

func (k OutcomeKind) String() string {
	return string(k)
}
