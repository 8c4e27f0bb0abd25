package http

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/services"
)

const (
	ReplyDuplicate    = "This receipt was already submitted. Please send a new one."
	ReplyNoAmount     = "Couldn't find a dollar amount in the image. Please send a clearer photo of the receipt."
	ReplyUnauthorized = "Access denied. Your number is not authorized to use this service."
	ReplyTryAgain     = "Sorry, something went wrong on our side. Please try again in a few minutes."
	ReplyNoImage      = "Please send a photo of your receipt, or one of: 'get total', 'get last total', 'get all'."
	ReplyUnknown      = "Unknown command. Available: 'get total', 'get last total', 'get all'"
	ReplyUnknownAdmin = "Unknown command. Available: 'get total', 'get last total', 'get all', 'status', 'user <phone>'"
	ReplyNoHistory    = "No transactions found."
)

// FormatOutcome renders the reply for a finished submission. Upstream
// failures get the generic retry message, never the failure detail.
func FormatOutcome(o core.Outcome) string {
	switch o.Kind {
	case core.OutcomeAccepted:
		return fmt.Sprintf("Added %s. Total for %s: %s", core.FormatUSD(o.Amount), o.Period, core.FormatUSD(o.NewTotal))
	case core.OutcomeRejectedDuplicate:
		return ReplyDuplicate
	case core.OutcomeRejectedNoAmount:
		return ReplyNoAmount
	case core.OutcomeRejectedUnauthorized:
		return ReplyUnauthorized
	default:
		return ReplyTryAgain
	}
}

func FormatCurrentTotal(p core.Period, total decimal.Decimal) string {
	return fmt.Sprintf("Current month (%s): %s", p, core.FormatUSD(total))
}

func FormatLastTotal(p core.Period, total decimal.Decimal) string {
	return fmt.Sprintf("Last month (%s): %s", p, core.FormatUSD(total))
}

func FormatHistory(h core.History) string {
	if len(h.Months) == 0 {
		return ReplyNoHistory
	}
	var b strings.Builder
	b.WriteString("All monthly totals:\n")
	for _, m := range h.Months {
		fmt.Fprintf(&b, "\n%s: %s", m.Period, core.FormatUSD(m.Total))
	}
	fmt.Fprintf(&b, "\n\nGrand total: %s", core.FormatUSD(h.GrandTotal))
	return b.String()
}

// FormatUserHistory is the admin view of another sender's history.
func FormatUserHistory(h core.History) string {
	if len(h.Months) == 0 {
		return fmt.Sprintf("No transactions found for %s", h.Sender)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "History for %s:\n", h.Sender)
	for _, m := range h.Months {
		fmt.Fprintf(&b, "\n%s: %s", m.Period, core.FormatUSD(m.Total))
	}
	fmt.Fprintf(&b, "\n\nTotal: %s", core.FormatUSD(h.GrandTotal))
	return b.String()
}

// FormatStatus lists every sender's total for the month, leaving out admin.
func FormatStatus(st services.PeriodStatus, admin core.Sender) string {
	var b strings.Builder
	total := decimal.Zero
	n := 0
	for _, e := range st.Entries {
		if e.Sender == admin {
			continue
		}
		if n == 0 {
			fmt.Fprintf(&b, "Status for %s:\n", st.Period)
		}
		fmt.Fprintf(&b, "\n%s: %s", e.Sender, core.FormatUSD(e.Total))
		total = total.Add(e.Total)
		n++
	}
	if n == 0 {
		return "No transactions this month."
	}
	fmt.Fprintf(&b, "\n\nTotal: %s", core.FormatUSD(total))
	return b.String()
}

type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// writeTwiML answers a messaging webhook with a single reply message.
func writeTwiML(w http.ResponseWriter, status int, message string) {
	body, err := xml.Marshal(twiml{Message: message})
	if err != nil {
		http.Error(w, "failed to render reply", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
