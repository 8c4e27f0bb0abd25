package worker

import (
	"context"
	"fmt"
	"time"

	"tally/internal/cache"
	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/sheets"
	"tally/internal/storage"
)

// SheetWorker mirrors accepted receipts into a spreadsheet, one row each.
type SheetWorker struct {
	writer sheets.ReceiptWriter
	seen   *cache.LRU[string]
	logger *log.Logger
}

func NewSheetWorker(writer sheets.ReceiptWriter, logger *log.Logger) *SheetWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &SheetWorker{
		writer: writer,
		seen:   cache.NewLRU[string](10_000, 24*time.Hour),
		logger: logger.WithComponent(log.ComponentWorker),
	}
}

// Seen exposes the redelivery cache so a cache.Janitor can sweep it.
func (w *SheetWorker) Seen() cache.Sweeper {
	return w.seen
}

// HandleAccepted is an events.Handler. A failed append is returned so the
// event is redelivered; an event already written is acknowledged.
func (w *SheetWorker) HandleAccepted(ctx context.Context, ev events.SubmissionAccepted) error {
	logger := w.logger.With(log.FieldSubmissionID, ev.SubmissionID, log.FieldSender, ev.Sender)

	if ref, ok := w.seen.Get(ev.EventID); ok {
		logger.DebugContext(ctx, "Receipt already in sheet", "event_id", ev.EventID, "range", ref)
		return nil
	}

	ref, err := w.writer.AppendReceipt(ctx, ReceiptRow(ev))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to append receipt to sheet", log.FieldError, err)
		return fmt.Errorf("append receipt: %w", err)
	}
	w.seen.Set(ev.EventID, ref)
	logger.InfoContext(ctx, "Receipt appended to sheet", "range", ref, log.FieldAmount, ev.Amount)
	return nil
}

// ReceiptRow maps an accepted event onto a spreadsheet row.
func ReceiptRow(ev events.SubmissionAccepted) sheets.Receipt {
	return sheets.Receipt{
		SubmissionID: ev.SubmissionID,
		Sender:       ev.Sender,
		Period:       ev.Period,
		Amount:       ev.Amount,
		NewTotal:     ev.NewTotal,
		EnergyKWh:    ev.Metadata[storage.MetaEnergyKWh],
		Fingerprint:  ev.Fingerprint,
		AcceptedAt:   ev.OccurredAt,
	}
}

// Fanout runs every handler for each event and returns the first error after
// all have run. Handlers must tolerate redelivery.
func Fanout(handlers ...events.Handler) events.Handler {
	return func(ctx context.Context, ev events.SubmissionAccepted) error {
		var first error
		for _, h := range handlers {
			if err := h(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}
